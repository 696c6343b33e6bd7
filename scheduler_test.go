package holderfeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	ids []string
	err error
}

func (s staticSource) ActiveEntityIDs(context.Context) ([]string, error) {
	return s.ids, s.err
}

type funcReconciler func(ctx context.Context, entityID string) Outcome

func (f funcReconciler) Reconcile(ctx context.Context, entityID string) Outcome {
	return f(ctx, entityID)
}

func TestScheduler(t *testing.T) {
	var (
		newCtx = func(t *testing.T) context.Context {
			var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			t.Cleanup(cancel)
			return ctx
		}
		newOptions = func(interval time.Duration) options {
			var o = defaultOptions()
			WithSyncInterval(interval)(&o)
			return o
		}
	)

	t.Run("should do nothing when no entity is active", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		var sut = newScheduler(staticSource{}, funcReconciler(func(context.Context, string) Outcome {
			calls.Add(1)
			return OutcomeCommitted
		}), newOptions(time.Hour))

		// Act
		var summary = sut.tick(newCtx(t))

		// Assert
		assert.Equal(t, TickSummary{}, summary)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("should reconcile active entities concurrently", func(t *testing.T) {
		// Arrange
		var (
			ids     = []string{"a", "b", "c"}
			arrived sync.WaitGroup
			all     = make(chan struct{})
		)
		arrived.Add(len(ids))
		go func() {
			arrived.Wait()
			close(all)
		}()

		var sut = newScheduler(staticSource{ids: ids}, funcReconciler(func(context.Context, string) Outcome {
			arrived.Done()
			select {
			case <-all:
				return OutcomeCommitted
			case <-time.After(2 * time.Second):
				return OutcomeFailed
			}
		}), newOptions(time.Hour))

		// Act
		var summary = sut.tick(newCtx(t))

		// Assert
		assert.Equal(t, TickSummary{Entities: 3, Committed: 3}, summary)
	})

	t.Run("should isolate one entity's failure from the others", func(t *testing.T) {
		// Arrange
		var (
			mu   sync.Mutex
			seen = make(map[string]bool)
		)
		var sut = newScheduler(staticSource{ids: []string{"bad", "busy", "good"}}, funcReconciler(func(_ context.Context, id string) Outcome {
			mu.Lock()
			seen[id] = true
			mu.Unlock()

			switch id {
			case "bad":
				return OutcomeFailed
			case "busy":
				return OutcomeSkipped
			default:
				return OutcomeCommitted
			}
		}), newOptions(time.Hour))

		// Act
		var summary = sut.tick(newCtx(t))

		// Assert
		assert.Equal(t, TickSummary{Entities: 3, Committed: 1, Skipped: 1, Failed: 1}, summary)
		assert.Equal(t, map[string]bool{"bad": true, "busy": true, "good": true}, seen)
	})

	t.Run("should skip the tick when active entities cannot be listed", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		var sut = newScheduler(staticSource{ids: []string{"a"}, err: errors.New("hub stopped")}, funcReconciler(func(context.Context, string) Outcome {
			calls.Add(1)
			return OutcomeCommitted
		}), newOptions(time.Hour))

		// Act
		var summary = sut.tick(newCtx(t))

		// Assert
		assert.Equal(t, TickSummary{}, summary)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("should tick on its interval and on demand until stopped", func(t *testing.T) {
		// Arrange
		var (
			ctx   = newCtx(t)
			calls atomic.Int32
		)
		var sut = newScheduler(staticSource{ids: []string{"a"}}, funcReconciler(func(context.Context, string) Outcome {
			calls.Add(1)
			return OutcomeCommitted
		}), newOptions(20*time.Millisecond))

		// Act
		sut.start()
		var summary, err = sut.runNow(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, TickSummary{Entities: 1, Committed: 1}, summary)
		assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, sut.stop(ctx))
		var stoppedAt = calls.Load()
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, stoppedAt, calls.Load())
	})
}
