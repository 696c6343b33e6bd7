package holderfeed

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTopN is the number of holders kept in a ranking.
const DefaultTopN = 10

// Balance is one raw provider entry. An owner may appear several times, once per sub-account.
type Balance struct {
	OwnerID string
	Amount  *big.Int
}

// BalanceSnapshot is what a BalanceProvider returns for one entity.
type BalanceSnapshot struct {
	Balances    []Balance
	TotalSupply *big.Int
}

// BalanceProvider fetches current holder balances for an entity.
// Implementations may be slow and may fail transiently; callers always pass a deadline.
type BalanceProvider interface {
	FetchBalances(ctx context.Context, entityID string) (*BalanceSnapshot, error)
}

// Holder is a ranked owner within an entity.
type Holder struct {
	OwnerID    string
	Balance    *big.Int
	Percentage decimal.Decimal
	Rank       int
}

// RankingRow is the persisted form of a Holder.
type RankingRow struct {
	EntityID   string
	Rank       int
	OwnerID    string
	Balance    *big.Int
	Percentage decimal.Decimal
	UpdatedAt  time.Time
}

// EventType tells whether an owner entered or left the ranking.
type EventType string

const (
	EventEnter EventType = "enter"
	EventLeave EventType = "leave"
)

// MembershipEvent records an owner entering or leaving the ranking of an entity.
// RankBefore is set for leave events, RankAfter for enter events.
type MembershipEvent struct {
	EntityID   string
	OwnerID    string
	Type       EventType
	RankBefore *int
	RankAfter  *int
	CreatedAt  time.Time
}

// Rank returns the rank the event refers to: the new rank on enter, the prior rank on leave.
func (e MembershipEvent) Rank() int {
	if e.Type == EventEnter && e.RankAfter != nil {
		return *e.RankAfter
	}
	if e.RankBefore != nil {
		return *e.RankBefore
	}
	return 0
}

// Lease is an exclusive, time-bounded claim on reconciling one entity.
type Lease struct {
	EntityID  string
	Token     string
	ExpiresAt time.Time
}

// holdersFromRows converts persisted rows back into holders.
func holdersFromRows(rows []RankingRow) []Holder {
	var holders = make([]Holder, len(rows))
	for i, row := range rows {
		holders[i] = Holder{
			OwnerID:    row.OwnerID,
			Balance:    row.Balance,
			Percentage: row.Percentage,
			Rank:       row.Rank,
		}
	}
	return holders
}

// rowsFromHolders converts a fresh ranking into rows for the given entity.
func rowsFromHolders(entityID string, holders []Holder) []RankingRow {
	var rows = make([]RankingRow, len(holders))
	for i, h := range holders {
		rows[i] = RankingRow{
			EntityID:   entityID,
			Rank:       h.Rank,
			OwnerID:    h.OwnerID,
			Balance:    h.Balance,
			Percentage: h.Percentage,
		}
	}
	return rows
}
