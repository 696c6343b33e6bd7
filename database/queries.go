package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db          DBTX
	tablePrefix string
}

// NewQueries creates a new Queries instance with the given table prefix.
func NewQueries(db DBTX, tablePrefix string) *Queries {
	return &Queries{
		db:          db,
		tablePrefix: tablePrefix,
	}
}

var (
	listRankingsSQL = `
SELECT entity_id, rank, owner_id, balance, percentage, updated_at
FROM %s_rankings
WHERE entity_id = $1
ORDER BY rank ASC;`

	listRankingsForUpdateSQL = `
SELECT entity_id, rank, owner_id, balance, percentage, updated_at
FROM %s_rankings
WHERE entity_id = $1
ORDER BY rank ASC
FOR UPDATE;`

	deleteRankingsSQL = `
DELETE FROM %s_rankings
WHERE entity_id = $1;`

	insertRankingsSQL = `
INSERT INTO %s_rankings (entity_id, rank, owner_id, balance, percentage)
VALUES %s;`

	listEventsSQL = `
SELECT id, entity_id, owner_id, event_type, rank_before, rank_after, created_at
FROM %s_membership_events
WHERE entity_id = $1
ORDER BY id DESC
LIMIT $2;`

	tryAcquireLockSQL = `
INSERT INTO %s_locks AS l (entity_id, holder_token, expires_at)
VALUES ($1, $2, now() + $3::double precision * interval '1 millisecond')
ON CONFLICT (entity_id)
DO UPDATE SET
    holder_token = EXCLUDED.holder_token,
    expires_at = EXCLUDED.expires_at
WHERE l.expires_at <= now()
RETURNING entity_id, holder_token, expires_at;`

	getLockSQL = `
SELECT entity_id, holder_token, expires_at
FROM %s_locks
WHERE entity_id = $1;`

	releaseLockSQL = `
DELETE FROM %s_locks
WHERE entity_id = $1 AND holder_token = $2;`
)

// ListRankings returns the current ranking rows for an entity, ordered by rank.
func (q *Queries) ListRankings(ctx context.Context, entityID string) ([]*RankingRecord, error) {
	return q.listRankings(ctx, listRankingsSQL, entityID)
}

// ListRankingsForUpdate is ListRankings with row locks held until the surrounding transaction ends.
func (q *Queries) ListRankingsForUpdate(ctx context.Context, entityID string) ([]*RankingRecord, error) {
	return q.listRankings(ctx, listRankingsForUpdateSQL, entityID)
}

func (q *Queries) listRankings(ctx context.Context, sqlTemplate, entityID string) ([]*RankingRecord, error) {
	var (
		query     = fmt.Sprintf(sqlTemplate, q.tablePrefix)
		rows, err = q.db.QueryContext(ctx, query, entityID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rankings: %w", err)
	}
	defer rows.Close()

	var rankings []*RankingRecord
	for rows.Next() {
		var ranking RankingRecord
		if err := rows.Scan(&ranking.EntityID, &ranking.Rank, &ranking.OwnerID,
			&ranking.Balance, &ranking.Percentage, &ranking.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ranking: %w", err)
		}
		rankings = append(rankings, &ranking)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return rankings, nil
}

// DeleteRankings removes every ranking row of an entity.
func (q *Queries) DeleteRankings(ctx context.Context, entityID string) error {
	var query = fmt.Sprintf(deleteRankingsSQL, q.tablePrefix)
	if _, err := q.db.ExecContext(ctx, query, entityID); err != nil {
		return fmt.Errorf("failed to delete rankings: %w", err)
	}
	return nil
}

// InsertRankings inserts all rankings with a single multi-row statement.
func (q *Queries) InsertRankings(ctx context.Context, rankings []*RankingRecord) error {
	if len(rankings) == 0 {
		return nil
	}

	var (
		placeholders = make([]string, len(rankings))
		args         = make([]interface{}, 0, len(rankings)*5)
	)
	for i, r := range rankings {
		var offset = i * 5
		placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			offset+1, offset+2, offset+3, offset+4, offset+5)
		args = append(args, r.EntityID, r.Rank, r.OwnerID, r.Balance, r.Percentage)
	}

	var query = fmt.Sprintf(insertRankingsSQL, q.tablePrefix, strings.Join(placeholders, ", "))
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert rankings: %w", err)
	}
	return nil
}

// InsertEvents bulk-loads membership events with COPY.
// COPY is only available inside a transaction, so q must wrap a *sql.Tx.
func (q *Queries) InsertEvents(ctx context.Context, events []*EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	var table = fmt.Sprintf("%s_membership_events", q.tablePrefix)
	stmt, err := q.db.PrepareContext(ctx, pq.CopyIn(table,
		"entity_id", "owner_id", "event_type", "rank_before", "rank_after"))
	if err != nil {
		return fmt.Errorf("failed to prepare event copy: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.EntityID, e.OwnerID, e.EventType, e.RankBefore, e.RankAfter); err != nil {
			return fmt.Errorf("failed to copy event: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to flush event copy: %w", err)
	}
	return nil
}

// ListEvents returns the most recent membership events of an entity, newest first.
func (q *Queries) ListEvents(ctx context.Context, entityID string, limit int) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listEventsSQL, q.tablePrefix)
		rows, err = q.db.QueryContext(ctx, query, entityID, limit)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		if err := rows.Scan(&event.ID, &event.EntityID, &event.OwnerID, &event.EventType,
			&event.RankBefore, &event.RankAfter, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// TryAcquireLock claims the lock row of an entity if it is free or expired.
// Returns nil when another holder owns an unexpired lease.
// Expiry is computed with the database clock so processes never compare skewed wall clocks.
func (q *Queries) TryAcquireLock(ctx context.Context, entityID, holderToken string, ttl time.Duration) (*LockRecord, error) {
	var (
		query = fmt.Sprintf(tryAcquireLockSQL, q.tablePrefix)
		lock  LockRecord
		err   = q.db.QueryRowContext(ctx, query, entityID, holderToken, ttl.Milliseconds()).Scan(
			&lock.EntityID, &lock.HolderToken, &lock.ExpiresAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return &lock, nil
}

// GetLock retrieves the lock row of an entity, expired or not.
func (q *Queries) GetLock(ctx context.Context, entityID string) (*LockRecord, error) {
	var (
		query = fmt.Sprintf(getLockSQL, q.tablePrefix)
		lock  LockRecord
		err   = q.db.QueryRowContext(ctx, query, entityID).Scan(
			&lock.EntityID, &lock.HolderToken, &lock.ExpiresAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return &lock, nil
}

// ReleaseLock deletes the lock row only if it is still owned by holderToken.
// Reports whether a row was removed.
func (q *Queries) ReleaseLock(ctx context.Context, entityID, holderToken string) (bool, error) {
	var query = fmt.Sprintf(releaseLockSQL, q.tablePrefix)
	result, err := q.db.ExecContext(ctx, query, entityID, holderToken)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read released rows: %w", err)
	}
	return affected > 0, nil
}
