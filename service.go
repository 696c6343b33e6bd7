package holderfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"go-holderfeed/database"
)

var (
	// ErrInvalidTablePrefix is returned when the table prefix contains invalid characters
	ErrInvalidTablePrefix = errors.New("table prefix must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// ErrNotStarted is returned by Service methods called before Start.
	ErrNotStarted = errors.New("service not started")

	// validTablePrefixPattern validates PostgreSQL-safe identifiers
	validTablePrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// maxTablePrefixLength keeps the longest derived identifier within PostgreSQL's 63 byte limit.
const maxTablePrefixLength = 63 - len("_membership_events_entity_idx")

// DefaultEventLimit is the number of membership events Events returns when no limit is given.
const DefaultEventLimit = 50

// Service owns every registry of one holder feed instance: the hub, the cache,
// the in-flight set and the scheduler. Several services can run in one process.
type Service struct {
	db       *sql.DB
	provider BalanceProvider
	options  options

	hub          *Hub
	cache        *RankCache
	store        RankingStore
	synchronizer *Synchronizer
	scheduler    *scheduler

	cancel  context.CancelFunc
	hubDone chan struct{}
}

// FeedItem is the global feed form of a published payload.
type FeedItem struct {
	EntityID string `json:"entityId"`
	Payload  any    `json:"payload"`
}

// NewService creates a new Service. Nothing runs until Start.
func NewService(db *sql.DB, provider BalanceProvider, opts ...Option) *Service {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Service{
		db:       db,
		provider: provider,
		options:  options,
	}
}

// Start migrates the schema and launches the hub and the sync scheduler.
func (s *Service) Start(ctx context.Context) error {
	if s.scheduler != nil {
		return errors.New("service already started")
	}

	// Validate tablePrefix before using it in database operations
	if err := ValidateTablePrefix(s.options.tablePrefix); err != nil {
		return fmt.Errorf("invalid table prefix: %w", err)
	}

	if err := database.Migrate(s.db, s.options.tablePrefix); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	var cache, err = NewRankCache(s.options.cacheTTL)
	if err != nil {
		return err
	}

	var lock = s.options.lock
	if lock == nil {
		lock = NewPostgresLock(database.NewQueries(s.db, s.options.tablePrefix))
	}

	s.cache = cache
	s.store = NewPostgresRankingStore(s.db, s.options.tablePrefix)
	s.hub = newHub(s.options)
	s.synchronizer = newSynchronizer(s.provider, s.store, lock, s.cache, s.hub, s.options)
	s.scheduler = newScheduler(s.hub, s.synchronizer, s.options)

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(context.Background())
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.hubDone)
		s.hub.Run(hubCtx)
	}()

	s.scheduler.start()

	s.options.logger.Info("holder feed started",
		"table_prefix", s.options.tablePrefix,
		"sync_interval", s.options.syncInterval,
		"lock_ttl", s.options.lockTTL,
		"max_connections", s.options.maxConnections)

	return nil
}

// Stop waits for an in-progress sync tick, then closes every connection.
func (s *Service) Stop(ctx context.Context) error {
	if s.scheduler == nil {
		return ErrNotStarted
	}

	var err = s.scheduler.stop(ctx)

	s.cancel()
	select {
	case <-s.hubDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.cache.Close()
	s.options.logger.Info("holder feed stopped")
	return err
}

// Hub returns the subscription hub. It is nil before Start.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP surface: health, websocket subscriptions and ranking reads.
func (s *Service) Handler() http.Handler {
	return newServer(s).routes()
}

// Snapshot returns the current ranking of an entity. It serves the cache first, then the
// committed ranking, and for an entity that was never reconciled a direct provider read.
// Both fallbacks are cached until the next commit or the cache TTL, unless a commit
// lands while they load.
func (s *Service) Snapshot(ctx context.Context, entityID string) ([]Holder, error) {
	if s.cache == nil {
		return nil, ErrNotStarted
	}
	if err := ValidateEntityID(entityID); err != nil {
		return nil, err
	}

	var key = holdersKey(entityID)
	if holders, ok := s.cache.Get(key); ok {
		return holders, nil
	}

	// A commit landing while we load invalidates the key; our fill is then dropped.
	var generation = s.cache.Generation(key)

	var rows, err = s.store.LoadCurrent(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		var holders = holdersFromRows(rows)
		s.cache.SetIfCurrent(key, holders, generation)
		return holders, nil
	}

	var fetchCtx, cancel = context.WithTimeout(ctx, s.options.fetchTimeout)
	defer cancel()

	snapshot, err := s.provider.FetchBalances(fetchCtx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	if snapshot == nil {
		return nil, errors.New("provider returned no snapshot")
	}

	var holders = Rank(snapshot.Balances, snapshot.TotalSupply, s.options.topN)
	s.cache.SetIfCurrent(key, holders, generation)
	return holders, nil
}

// IsTopHolder reports whether ownerID is in the current ranking of entityID,
// and at which rank.
func (s *Service) IsTopHolder(ctx context.Context, entityID, ownerID string) (Holder, bool, error) {
	var holders, err = s.Snapshot(ctx, entityID)
	if err != nil {
		return Holder{}, false, err
	}

	for _, h := range holders {
		if h.OwnerID == ownerID {
			return h, true, nil
		}
	}
	return Holder{}, false, nil
}

// Events returns the newest membership events of an entity.
func (s *Service) Events(ctx context.Context, entityID string, limit int) ([]MembershipEvent, error) {
	if s.store == nil {
		return nil, ErrNotStarted
	}
	if err := ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	return s.store.ListEvents(ctx, entityID, limit)
}

// Publish sends a free-form payload to the room of an entity and to the global feed.
func (s *Service) Publish(entityID, typ string, payload any) error {
	if s.hub == nil {
		return ErrNotStarted
	}
	if err := ValidateEntityID(entityID); err != nil {
		return err
	}
	switch typ {
	case "", TypeRanking, TypeEnter, TypeLeave:
		return fmt.Errorf("type %q is reserved", typ)
	}

	s.hub.Broadcast(entityID, PayloadEnvelope(typ, payload))
	s.hub.BroadcastGlobal(PayloadEnvelope(typ, FeedItem{EntityID: entityID, Payload: payload}))
	return nil
}

// ReconcileNow runs a sync tick immediately instead of waiting for the interval.
func (s *Service) ReconcileNow(ctx context.Context) (TickSummary, error) {
	if s.scheduler == nil {
		return TickSummary{}, ErrNotStarted
	}
	return s.scheduler.runNow(ctx)
}

// Stats returns the hub membership counts.
func (s *Service) Stats(ctx context.Context) (HubStats, error) {
	if s.hub == nil {
		return HubStats{}, ErrNotStarted
	}
	return s.hub.Stats(ctx)
}

// ValidateTablePrefix checks if the prefix is valid for use in PostgreSQL identifiers.
func ValidateTablePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("table prefix cannot be empty")
	}

	if len(prefix) > maxTablePrefixLength {
		return fmt.Errorf("table prefix must be %d characters or less", maxTablePrefixLength)
	}

	if !validTablePrefixPattern.MatchString(prefix) {
		return ErrInvalidTablePrefix
	}

	return nil
}
