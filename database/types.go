package database

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// RankingRecord represents one ranked holder row in the database.
type RankingRecord struct {
	EntityID   string
	Rank       int
	OwnerID    string
	Balance    string // NUMERIC(78,0) kept as its decimal string
	Percentage decimal.Decimal
	UpdatedAt  time.Time
}

// EventRecord represents a membership event row in the database.
type EventRecord struct {
	ID         int64
	EntityID   string
	OwnerID    string
	EventType  string
	RankBefore sql.NullInt64
	RankAfter  sql.NullInt64
	CreatedAt  time.Time
}

// LockRecord represents a reconciliation lease row in the database.
type LockRecord struct {
	EntityID    string
	HolderToken string
	ExpiresAt   time.Time
}
