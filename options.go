package holderfeed

import (
	"io"
	"log/slog"
	"time"
)

// options configures the Service behavior (internal only).
type options struct {
	tablePrefix    string
	topN           int
	syncInterval   time.Duration
	lockTTL        time.Duration
	fetchTimeout   time.Duration
	releaseTimeout time.Duration
	cacheTTL       time.Duration
	probeInterval  time.Duration
	maxConnections int
	sendBuffer     int
	allowedOrigin  string
	lock           DistributedLock
	logger         *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var syncInterval = 30 * time.Second
	return options{
		tablePrefix:    "holderfeed",
		topN:           DefaultTopN,
		syncInterval:   syncInterval,
		lockTTL:        syncInterval * 2 / 3,
		fetchTimeout:   15 * time.Second,
		releaseTimeout: 5 * time.Second,
		cacheTTL:       syncInterval,
		probeInterval:  30 * time.Second,
		maxConnections: 1000,
		sendBuffer:     64,
		allowedOrigin:  "*",
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Service.
type Option func(*options)

// WithTablePrefix sets the prefix of every table the service creates and queries.
func WithTablePrefix(prefix string) Option {
	return func(o *options) {
		o.tablePrefix = prefix
	}
}

// WithSyncInterval sets how often active entities are reconciled.
// The lock TTL and cache TTL follow: a crashed holder's lease must lapse before the next tick.
func WithSyncInterval(interval time.Duration) Option {
	return func(o *options) {
		o.syncInterval = interval
		o.lockTTL = interval * 2 / 3
		o.cacheTTL = interval
	}
}

// WithFetchTimeout bounds a single BalanceProvider call.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = timeout
	}
}

// WithProbeInterval sets the websocket liveness probe interval.
func WithProbeInterval(interval time.Duration) Option {
	return func(o *options) {
		o.probeInterval = interval
	}
}

// WithMaxConnections caps concurrent subscriber connections.
func WithMaxConnections(max int) Option {
	return func(o *options) {
		o.maxConnections = max
	}
}

// WithAllowedOrigin restricts websocket handshakes to one Origin. "*" allows any.
func WithAllowedOrigin(origin string) Option {
	return func(o *options) {
		o.allowedOrigin = origin
	}
}

// WithLock replaces the default Postgres lease lock, e.g. with a RedisLock.
func WithLock(lock DistributedLock) Option {
	return func(o *options) {
		o.lock = lock
	}
}

// WithLogger sets the logger for the service.
// If the logger is nil, the service will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
