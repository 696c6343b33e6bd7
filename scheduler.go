package holderfeed

import (
	"context"
	"sync"
	"time"
)

// reconciler is the part of the Synchronizer the scheduler drives.
type reconciler interface {
	Reconcile(ctx context.Context, entityID string) Outcome
}

// activeSource lists the entities that currently have subscribers.
type activeSource interface {
	ActiveEntityIDs(ctx context.Context) ([]string, error)
}

// TickSummary counts the outcomes of one scheduler tick.
type TickSummary struct {
	Entities  int
	Committed int
	Skipped   int
	Failed    int
}

// scheduler reconciles every active entity on a fixed interval.
type scheduler struct {
	source     activeSource
	reconciler reconciler
	options    options
	trigger    chan chan TickSummary
	cancel     context.CancelFunc
	done       chan struct{}
}

// newScheduler creates a new scheduler.
func newScheduler(source activeSource, r reconciler, opts options) *scheduler {
	return &scheduler{
		source:     source,
		reconciler: r,
		options:    opts,
		trigger:    make(chan chan TickSummary),
	}
}

// start launches the tick worker. Like every background worker here it runs on its own
// context, stopped through stop rather than the caller's context.
func (s *scheduler) start() {
	var workerCtx context.Context
	workerCtx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go s.tickWorker(workerCtx)
}

// stop cancels the worker and waits for an in-progress tick to settle.
func (s *scheduler) stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runNow performs a tick outside the schedule and returns its summary.
func (s *scheduler) runNow(ctx context.Context) (TickSummary, error) {
	var reply = make(chan TickSummary, 1)

	select {
	case s.trigger <- reply:
	case <-ctx.Done():
		return TickSummary{}, ctx.Err()
	}

	select {
	case summary := <-reply:
		return summary, nil
	case <-ctx.Done():
		return TickSummary{}, ctx.Err()
	}
}

// tickWorker runs ticks until ctx is cancelled. Ticks never overlap.
func (s *scheduler) tickWorker(ctx context.Context) {
	defer close(s.done)

	var ticker = time.NewTicker(s.options.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case reply := <-s.trigger:
			reply <- s.tick(ctx)
		}
	}
}

// tick reconciles all active entities concurrently and waits for every one to settle.
func (s *scheduler) tick(ctx context.Context) TickSummary {
	var ids, err = s.source.ActiveEntityIDs(ctx)
	if err != nil {
		s.options.logger.Error("failed to list active entities", "error", err)
		return TickSummary{}
	}

	var summary = TickSummary{Entities: len(ids)}
	if len(ids) == 0 {
		return summary
	}

	var (
		wg       sync.WaitGroup
		outcomes = make([]Outcome, len(ids))
	)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = s.reconciler.Reconcile(ctx, id)
		}()
	}
	wg.Wait()

	for _, outcome := range outcomes {
		switch outcome {
		case OutcomeCommitted:
			summary.Committed++
		case OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	s.options.logger.Info("sync tick finished",
		"entities", summary.Entities,
		"committed", summary.Committed,
		"skipped", summary.Skipped,
		"failed", summary.Failed)

	return summary
}
