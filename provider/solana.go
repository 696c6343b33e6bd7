// Package provider holds BalanceProvider implementations backed by a ledger RPC.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	holderfeed "go-holderfeed"
)

// SPL token account layout: mint (32 bytes) then owner (32 bytes).
const (
	ownerOffset = 32
	ownerLength = 32

	// getMultipleAccounts accepts at most this many keys per call.
	maxAccountsPerCall = 100
)

type options struct {
	commitment rpc.CommitmentType
	logger     *slog.Logger
}

// Option configures a Solana provider.
type Option func(*options)

// WithCommitment sets the commitment level of every RPC read.
// DEFAULT: confirmed
func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(o *options) {
		o.commitment = commitment
	}
}

// WithLogger sets the logger for the provider.
// If the logger is nil, the provider will use a no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}
		o.logger = logger
	}
}

// Solana reads the largest token accounts of a mint and resolves their owners.
type Solana struct {
	client  *rpc.Client
	options options
}

var _ holderfeed.BalanceProvider = (*Solana)(nil)

// NewSolana creates a provider talking to the given JSON-RPC endpoint.
func NewSolana(endpoint string, opts ...Option) *Solana {
	var o = options{
		commitment: rpc.CommitmentConfirmed,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Solana{
		client:  rpc.New(endpoint),
		options: o,
	}
}

// FetchBalances returns one entry per large token account, keyed by the account's owner,
// and the mint's total supply. Owners with several accounts appear several times.
func (s *Solana) FetchBalances(ctx context.Context, entityID string) (*holderfeed.BalanceSnapshot, error) {
	var mint, err = solana.PublicKeyFromBase58(entityID)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", entityID, err)
	}

	largest, err := s.client.GetTokenLargestAccounts(ctx, mint, s.options.commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to get largest accounts of %s: %w", entityID, err)
	}

	var (
		addresses = make([]solana.PublicKey, 0, len(largest.Value))
		amounts   = make([]*big.Int, 0, len(largest.Value))
	)
	for _, account := range largest.Value {
		if account == nil {
			continue
		}
		var amount, ok = new(big.Int).SetString(account.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q for account %s", account.Amount, account.Address)
		}
		addresses = append(addresses, account.Address)
		amounts = append(amounts, amount)
	}

	owners, err := s.owners(ctx, addresses)
	if err != nil {
		return nil, err
	}

	var balances = make([]holderfeed.Balance, 0, len(addresses))
	for i, owner := range owners {
		if owner == "" {
			continue
		}
		balances = append(balances, holderfeed.Balance{OwnerID: owner, Amount: amounts[i]})
	}

	supply, err := s.client.GetTokenSupply(ctx, mint, s.options.commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to get supply of %s: %w", entityID, err)
	}
	if supply.Value == nil {
		return nil, fmt.Errorf("no supply returned for %s", entityID)
	}
	totalSupply, ok := new(big.Int).SetString(supply.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid supply %q for %s", supply.Value.Amount, entityID)
	}

	s.options.logger.Debug("fetched balances",
		"entity_id", entityID,
		"accounts", len(addresses),
		"owners_resolved", len(balances))

	return &holderfeed.BalanceSnapshot{
		Balances:    balances,
		TotalSupply: totalSupply,
	}, nil
}

// owners resolves the owner of each token account. Accounts that no longer exist
// yield an empty string at their index.
func (s *Solana) owners(ctx context.Context, addresses []solana.PublicKey) ([]string, error) {
	var (
		owners = make([]string, len(addresses))
		offset = uint64(ownerOffset)
		length = uint64(ownerLength)
	)

	for start := 0; start < len(addresses); start += maxAccountsPerCall {
		var end = min(start+maxAccountsPerCall, len(addresses))

		var result, err = s.client.GetMultipleAccountsWithOpts(ctx, addresses[start:end], &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: s.options.commitment,
			DataSlice:  &rpc.DataSlice{Offset: &offset, Length: &length},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get token accounts: %w", err)
		}

		for i, account := range result.Value {
			if start+i >= end {
				break
			}
			if account == nil || account.Data == nil {
				continue
			}
			var data = account.Data.GetBinary()
			if len(data) < ownerLength {
				continue
			}
			owners[start+i] = solana.PublicKeyFromBytes(data[:ownerLength]).String()
		}
	}

	return owners, nil
}
