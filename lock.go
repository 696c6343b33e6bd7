package holderfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go-holderfeed/database"
)

// DistributedLock grants at most one active reconciliation per entity across processes.
//
// TryAcquire never waits on a contended lock: it returns a nil Lease and a nil error when
// someone else holds it. Leases lapse on their own after ttl, so a crashed holder cannot
// block an entity forever.
type DistributedLock interface {
	TryAcquire(ctx context.Context, entityID string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// PostgresLock keeps leases as rows of the <prefix>_locks table.
type PostgresLock struct {
	queries *database.Queries
}

// NewPostgresLock creates a lock over the given queries.
func NewPostgresLock(queries *database.Queries) *PostgresLock {
	return &PostgresLock{
		queries: queries,
	}
}

// TryAcquire claims the entity if its row is absent or expired.
func (l *PostgresLock) TryAcquire(ctx context.Context, entityID string, ttl time.Duration) (*Lease, error) {
	var record, err = l.queries.TryAcquireLock(ctx, entityID, uuid.NewString(), ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", entityID, err)
	}

	if record == nil {
		return nil, nil
	}

	return &Lease{
		EntityID:  record.EntityID,
		Token:     record.HolderToken,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// Release deletes the lease row if it still carries our token.
// Releasing a lease that already expired and was taken over is a no-op.
func (l *PostgresLock) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	if _, err := l.queries.ReleaseLock(ctx, lease.EntityID, lease.Token); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", lease.EntityID, err)
	}
	return nil
}

// Current returns the lease row of an entity, or nil when nobody holds an unexpired lease.
func (l *PostgresLock) Current(ctx context.Context, entityID string) (*Lease, error) {
	var record, err = l.queries.GetLock(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease for %s: %w", entityID, err)
	}

	if record == nil || !record.ExpiresAt.After(time.Now()) {
		return nil, nil
	}

	return &Lease{
		EntityID:  record.EntityID,
		Token:     record.HolderToken,
		ExpiresAt: record.ExpiresAt,
	}, nil
}
