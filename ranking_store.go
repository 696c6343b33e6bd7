package holderfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"go-holderfeed/database"
)

// RankingStore persists the current ranking of each entity and its membership event log.
type RankingStore interface {
	// LoadCurrent returns the committed ranking of an entity ordered by rank.
	LoadCurrent(ctx context.Context, entityID string) ([]RankingRow, error)

	// BeginReplace opens a transaction scoped to one entity.
	BeginReplace(ctx context.Context, entityID string) (RankingTx, error)

	// ListEvents returns the newest membership events of an entity, at most limit.
	ListEvents(ctx context.Context, entityID string, limit int) ([]MembershipEvent, error)
}

// RankingTx replaces one entity's ranking atomically.
// Every RankingTx must end with Commit or Rollback; Rollback after Commit is a no-op.
type RankingTx interface {
	// Previous reads the committed ranking and locks its rows until the transaction ends.
	Previous(ctx context.Context) ([]RankingRow, error)

	// Replace deletes the current ranking, inserts rows and appends events.
	Replace(ctx context.Context, rows []RankingRow, events []MembershipEvent) error

	Commit() error
	Rollback() error
}

// PostgresRankingStore implements RankingStore on the <prefix>_rankings and
// <prefix>_membership_events tables.
type PostgresRankingStore struct {
	db          *sql.DB
	tablePrefix string
	queries     *database.Queries
}

// NewPostgresRankingStore creates a store for the given table prefix.
func NewPostgresRankingStore(db *sql.DB, tablePrefix string) *PostgresRankingStore {
	return &PostgresRankingStore{
		db:          db,
		tablePrefix: tablePrefix,
		queries:     database.NewQueries(db, tablePrefix),
	}
}

// LoadCurrent returns the committed ranking of an entity.
func (s *PostgresRankingStore) LoadCurrent(ctx context.Context, entityID string) ([]RankingRow, error) {
	var records, err = s.queries.ListRankings(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ranking of %s: %w", entityID, err)
	}
	return rowsFromRecords(records)
}

// BeginReplace starts a transaction on a pooled connection held until Commit or Rollback.
func (s *PostgresRankingStore) BeginReplace(ctx context.Context, entityID string) (RankingTx, error) {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ranking transaction: %w", err)
	}

	return &postgresRankingTx{
		tx:       tx,
		queries:  database.NewQueries(tx, s.tablePrefix),
		entityID: entityID,
	}, nil
}

// ListEvents returns the newest membership events of an entity.
func (s *PostgresRankingStore) ListEvents(ctx context.Context, entityID string, limit int) ([]MembershipEvent, error) {
	var records, err = s.queries.ListEvents(ctx, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events of %s: %w", entityID, err)
	}

	var events = make([]MembershipEvent, len(records))
	for i, record := range records {
		events[i] = MembershipEvent{
			EntityID:   record.EntityID,
			OwnerID:    record.OwnerID,
			Type:       EventType(record.EventType),
			RankBefore: intPtrFromNull(record.RankBefore),
			RankAfter:  intPtrFromNull(record.RankAfter),
			CreatedAt:  record.CreatedAt,
		}
	}
	return events, nil
}

type postgresRankingTx struct {
	tx       *sql.Tx
	queries  *database.Queries
	entityID string
}

func (t *postgresRankingTx) Previous(ctx context.Context) ([]RankingRow, error) {
	var records, err = t.queries.ListRankingsForUpdate(ctx, t.entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ranking of %s: %w", t.entityID, err)
	}
	return rowsFromRecords(records)
}

func (t *postgresRankingTx) Replace(ctx context.Context, rows []RankingRow, events []MembershipEvent) error {
	if err := t.queries.DeleteRankings(ctx, t.entityID); err != nil {
		return err
	}

	var rankings = make([]*database.RankingRecord, len(rows))
	for i, row := range rows {
		if row.EntityID != t.entityID {
			return fmt.Errorf("ranking row for %s in transaction of %s", row.EntityID, t.entityID)
		}
		rankings[i] = &database.RankingRecord{
			EntityID:   row.EntityID,
			Rank:       row.Rank,
			OwnerID:    row.OwnerID,
			Balance:    row.Balance.String(),
			Percentage: row.Percentage,
		}
	}
	if err := t.queries.InsertRankings(ctx, rankings); err != nil {
		return err
	}

	var records = make([]*database.EventRecord, len(events))
	for i, e := range events {
		records[i] = &database.EventRecord{
			EntityID:   e.EntityID,
			OwnerID:    e.OwnerID,
			EventType:  string(e.Type),
			RankBefore: nullFromIntPtr(e.RankBefore),
			RankAfter:  nullFromIntPtr(e.RankAfter),
		}
	}
	return t.queries.InsertEvents(ctx, records)
}

func (t *postgresRankingTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ranking of %s: %w", t.entityID, err)
	}
	return nil
}

func (t *postgresRankingTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back ranking of %s: %w", t.entityID, err)
	}
	return nil
}

func rowsFromRecords(records []*database.RankingRecord) ([]RankingRow, error) {
	var rows = make([]RankingRow, len(records))
	for i, record := range records {
		var balance, ok = new(big.Int).SetString(record.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance %q for %s rank %d", record.Balance, record.EntityID, record.Rank)
		}
		rows[i] = RankingRow{
			EntityID:   record.EntityID,
			Rank:       record.Rank,
			OwnerID:    record.OwnerID,
			Balance:    balance,
			Percentage: record.Percentage,
			UpdatedAt:  record.UpdatedAt,
		}
	}
	return rows, nil
}

func intPtrFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	var i = int(v.Int64)
	return &i
}

func nullFromIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
