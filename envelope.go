package holderfeed

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Envelope types sent to subscribers. Any other type carries a free-form payload.
const (
	TypeRanking = "ranking"
	TypeEnter   = "enter"
	TypeLeave   = "leave"
)

// Envelope is the tagged union every subscriber message is wrapped in.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RankingItem is one entry of a ranking envelope.
// Balance is a decimal string since balances do not fit a JSON number.
type RankingItem struct {
	OwnerID    string      `json:"ownerId"`
	Balance    string      `json:"balance"`
	Percentage json.Number `json:"percentage"`
	Rank       int         `json:"rank"`
}

// MembershipItem is the payload of enter and leave envelopes.
type MembershipItem struct {
	OwnerID string `json:"ownerId"`
	Rank    int    `json:"rank"`
}

// RankingEnvelope wraps the full ordered ranking.
func RankingEnvelope(holders []Holder) Envelope {
	return Envelope{Type: TypeRanking, Data: rankingItems(holders)}
}

func rankingItems(holders []Holder) []RankingItem {
	var items = make([]RankingItem, len(holders))
	for i, h := range holders {
		items[i] = RankingItem{
			OwnerID:    h.OwnerID,
			Balance:    h.Balance.String(),
			Percentage: percentageNumber(h.Percentage),
			Rank:       h.Rank,
		}
	}
	return items
}

// percentageNumber renders a percentage as a JSON number with a fixed number of decimals.
func percentageNumber(p decimal.Decimal) json.Number {
	return json.Number(p.StringFixed(percentagePrecision))
}

// MembershipEnvelope wraps an enter or leave event.
func MembershipEnvelope(e MembershipEvent) Envelope {
	return Envelope{
		Type: string(e.Type),
		Data: MembershipItem{OwnerID: e.OwnerID, Rank: e.Rank()},
	}
}

// PayloadEnvelope wraps a free-form payload under a caller chosen type.
func PayloadEnvelope(typ string, payload any) Envelope {
	return Envelope{Type: typ, Data: payload}
}
