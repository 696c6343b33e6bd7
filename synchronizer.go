package holderfeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Outcome is the result of one reconciliation attempt.
type Outcome int

const (
	// OutcomeCommitted means a new ranking was persisted and emitted.
	OutcomeCommitted Outcome = iota
	// OutcomeSkipped means another attempt held the entity; nothing was touched.
	OutcomeSkipped
	// OutcomeFailed means the attempt was abandoned; the previous ranking is intact.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Notifier receives ranking notifications once they are committed. *Hub satisfies it.
type Notifier interface {
	Broadcast(entityID string, env Envelope)
}

// Synchronizer reconciles the persisted ranking of an entity with the balance provider.
type Synchronizer struct {
	provider BalanceProvider
	store    RankingStore
	lock     DistributedLock
	cache    *RankCache
	notifier Notifier
	options  options

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewSynchronizer wires a synchronizer from its collaborators.
func NewSynchronizer(provider BalanceProvider, store RankingStore, lock DistributedLock, cache *RankCache, notifier Notifier, opts ...Option) *Synchronizer {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newSynchronizer(provider, store, lock, cache, notifier, options)
}

func newSynchronizer(provider BalanceProvider, store RankingStore, lock DistributedLock, cache *RankCache, notifier Notifier, o options) *Synchronizer {
	return &Synchronizer{
		provider: provider,
		store:    store,
		lock:     lock,
		cache:    cache,
		notifier: notifier,
		options:  o,
		inFlight: make(map[string]struct{}),
	}
}

// Reconcile runs one cycle for an entity: lock, fetch, diff, persist, invalidate, emit, release.
// It never returns an error; failures are logged and retried on the next cycle.
func (s *Synchronizer) Reconcile(ctx context.Context, entityID string) (outcome Outcome) {
	var logger = s.options.logger.With("entity_id", entityID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("reconciliation panicked", "panic", r)
			outcome = OutcomeFailed
		}
	}()

	if !s.enter(entityID) {
		logger.Debug("reconciliation already running in this process")
		return OutcomeSkipped
	}
	defer s.exit(entityID)

	var lease, err = s.lock.TryAcquire(ctx, entityID, s.options.lockTTL)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		return OutcomeFailed
	}
	if lease == nil {
		logger.Debug("lock held elsewhere, skipping")
		return OutcomeSkipped
	}
	defer s.release(ctx, lease)

	holders, entered, left, err := s.persist(ctx, entityID)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		return OutcomeFailed
	}

	s.cache.Invalidate(holdersKey(entityID))

	for _, e := range left {
		s.notifier.Broadcast(entityID, MembershipEnvelope(e))
	}
	for _, e := range entered {
		s.notifier.Broadcast(entityID, MembershipEnvelope(e))
	}
	s.notifier.Broadcast(entityID, RankingEnvelope(holders))

	logger.Debug("ranking committed",
		"holders", len(holders),
		"entered", len(entered),
		"left", len(left))

	return OutcomeCommitted
}

// persist fetches fresh balances and replaces the ranking in one transaction.
func (s *Synchronizer) persist(ctx context.Context, entityID string) ([]Holder, []MembershipEvent, []MembershipEvent, error) {
	var fetchCtx, cancel = context.WithTimeout(ctx, s.options.fetchTimeout)
	defer cancel()

	var snapshot, err = s.provider.FetchBalances(fetchCtx, entityID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	if snapshot == nil {
		return nil, nil, nil, errors.New("provider returned no snapshot")
	}

	var holders = Rank(snapshot.Balances, snapshot.TotalSupply, s.options.topN)

	tx, err := s.store.BeginReplace(ctx, entityID)
	if err != nil {
		return nil, nil, nil, err
	}

	var committed = false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil {
			s.options.logger.Error("failed to roll back", "entity_id", entityID, "error", err)
		}
	}()

	previous, err := tx.Previous(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	var entered, left = diffMembership(entityID, previous, holders)

	var events = make([]MembershipEvent, 0, len(left)+len(entered))
	events = append(events, left...)
	events = append(events, entered...)

	if err := tx.Replace(ctx, rowsFromHolders(entityID, holders), events); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to replace ranking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, err
	}
	committed = true

	return holders, entered, left, nil
}

// release runs even when ctx is already cancelled so shutdown does not strand the lease.
func (s *Synchronizer) release(ctx context.Context, lease *Lease) {
	var releaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.options.releaseTimeout)
	defer cancel()

	if err := s.lock.Release(releaseCtx, lease); err != nil {
		s.options.logger.Warn("failed to release lock", "entity_id", lease.EntityID, "error", err)
	}
}

func (s *Synchronizer) enter(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[entityID]; ok {
		return false
	}
	s.inFlight[entityID] = struct{}{}
	return true
}

func (s *Synchronizer) exit(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, entityID)
}

// diffMembership compares owner sets only. Rank or balance changes of an owner present
// on both sides produce no event. Leave events are ordered by prior rank, enter events by new rank.
func diffMembership(entityID string, previous []RankingRow, next []Holder) (entered, left []MembershipEvent) {
	var before = make(map[string]struct{}, len(previous))
	for _, row := range previous {
		before[row.OwnerID] = struct{}{}
	}
	var after = make(map[string]struct{}, len(next))
	for _, h := range next {
		after[h.OwnerID] = struct{}{}
	}

	for _, row := range previous {
		if _, ok := after[row.OwnerID]; ok {
			continue
		}
		var rank = row.Rank
		left = append(left, MembershipEvent{
			EntityID:   entityID,
			OwnerID:    row.OwnerID,
			Type:       EventLeave,
			RankBefore: &rank,
		})
	}
	for _, h := range next {
		if _, ok := before[h.OwnerID]; ok {
			continue
		}
		var rank = h.Rank
		entered = append(entered, MembershipEvent{
			EntityID:  entityID,
			OwnerID:   h.OwnerID,
			Type:      EventEnter,
			RankAfter: &rank,
		})
	}

	sort.SliceStable(left, func(i, j int) bool { return *left[i].RankBefore < *left[j].RankBefore })
	sort.SliceStable(entered, func(i, j int) bool { return *entered[i].RankAfter < *entered[j].RankAfter })

	return entered, left
}
