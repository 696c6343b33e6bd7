package holderfeed

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

// percentagePrecision is the number of decimal places kept on a holder's share of supply.
const percentagePrecision = 4

var hundred = big.NewInt(100)

// Rank sums balances per owner, orders owners by balance (descending, ties by owner id)
// and returns at most limit holders with ranks starting at 1.
//
// Percentages are balance*100/totalSupply computed on integers and rounded half-up
// to four decimal places. A nil or zero supply yields zero percentages.
// Owners whose summed balance is zero are not ranked.
func Rank(balances []Balance, totalSupply *big.Int, limit int) []Holder {
	if limit <= 0 {
		limit = DefaultTopN
	}

	var totals = make(map[string]*big.Int, len(balances))
	for _, b := range balances {
		if b.Amount == nil || b.Amount.Sign() <= 0 {
			continue
		}
		if sum, ok := totals[b.OwnerID]; ok {
			sum.Add(sum, b.Amount)
			continue
		}
		totals[b.OwnerID] = new(big.Int).Set(b.Amount)
	}

	var owners = make([]string, 0, len(totals))
	for owner := range totals {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		if c := totals[owners[i]].Cmp(totals[owners[j]]); c != 0 {
			return c > 0
		}
		return owners[i] < owners[j]
	})

	if len(owners) > limit {
		owners = owners[:limit]
	}

	var holders = make([]Holder, len(owners))
	for i, owner := range owners {
		holders[i] = Holder{
			OwnerID:    owner,
			Balance:    totals[owner],
			Percentage: percentageOf(totals[owner], totalSupply),
			Rank:       i + 1,
		}
	}
	return holders
}

// percentageOf returns balance as a percentage of supply.
func percentageOf(balance, supply *big.Int) decimal.Decimal {
	if supply == nil || supply.Sign() <= 0 {
		return decimal.Zero
	}

	var scaled = new(big.Int).Mul(balance, hundred)
	return decimal.NewFromBigInt(scaled, 0).DivRound(decimal.NewFromBigInt(supply, 0), percentagePrecision)
}
