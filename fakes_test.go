package holderfeed

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// memoryLock is an in-process DistributedLock shared by several synchronizers in tests.
type memoryLock struct {
	mu       sync.Mutex
	holders  map[string]string
	acquired atomic.Int32
	released atomic.Int32
}

func newMemoryLock() *memoryLock {
	return &memoryLock{holders: make(map[string]string)}
}

func (l *memoryLock) TryAcquire(_ context.Context, entityID string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holders[entityID]; held {
		return nil, nil
	}
	var token = uuid.NewString()
	l.holders[entityID] = token
	l.acquired.Add(1)
	return &Lease{EntityID: entityID, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (l *memoryLock) Release(_ context.Context, lease *Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holders[lease.EntityID] == lease.Token {
		delete(l.holders, lease.EntityID)
		l.released.Add(1)
	}
	return nil
}

func (l *memoryLock) isHeld(entityID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var _, held = l.holders[entityID]
	return held
}

var errInjected = errors.New("injected failure")

// memoryStore is a RankingStore whose transactions stage changes until Commit.
type memoryStore struct {
	mu          sync.Mutex
	rankings    map[string][]RankingRow
	events      map[string][]MembershipEvent
	begins      atomic.Int32
	failReplace bool
	failCommit  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rankings: make(map[string][]RankingRow),
		events:   make(map[string][]MembershipEvent),
	}
}

func (s *memoryStore) seed(entityID string, rows []RankingRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankings[entityID] = rows
}

func (s *memoryStore) LoadCurrent(_ context.Context, entityID string) ([]RankingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RankingRow(nil), s.rankings[entityID]...), nil
}

func (s *memoryStore) BeginReplace(_ context.Context, entityID string) (RankingTx, error) {
	s.begins.Add(1)
	return &memoryTx{store: s, entityID: entityID}, nil
}

func (s *memoryStore) ListEvents(_ context.Context, entityID string, limit int) ([]MembershipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all = s.events[entityID]
	var out = make([]MembershipEvent, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// gatedStore holds LoadCurrent after the rows are read until release is closed.
// Transactions go straight to the embedded memoryStore.
type gatedStore struct {
	*memoryStore
	loaded  chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		memoryStore: newMemoryStore(),
		loaded:      make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) LoadCurrent(ctx context.Context, entityID string) ([]RankingRow, error) {
	var rows, err = s.memoryStore.LoadCurrent(ctx, entityID)
	s.loaded <- struct{}{}
	<-s.release
	return rows, err
}

type memoryTx struct {
	store    *memoryStore
	entityID string
	rows     []RankingRow
	events   []MembershipEvent
	staged   bool
}

func (t *memoryTx) Previous(ctx context.Context) ([]RankingRow, error) {
	return t.store.LoadCurrent(ctx, t.entityID)
}

func (t *memoryTx) Replace(_ context.Context, rows []RankingRow, events []MembershipEvent) error {
	// the delete happens first, so a failure here leaves the transaction half written
	t.rows = nil
	t.staged = true
	if t.store.failReplace {
		return errInjected
	}
	t.rows = rows
	t.events = events
	return nil
}

func (t *memoryTx) Commit() error {
	if t.store.failCommit {
		return errInjected
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.staged {
		var now = time.Now()
		for i := range t.rows {
			t.rows[i].UpdatedAt = now
		}
		t.store.rankings[t.entityID] = t.rows
		t.store.events[t.entityID] = append(t.store.events[t.entityID], t.events...)
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	t.rows = nil
	t.events = nil
	t.staged = false
	return nil
}

// stubProvider returns a fixed snapshot unless fetch is set.
type stubProvider struct {
	mu       sync.Mutex
	snapshot *BalanceSnapshot
	fetch    func(ctx context.Context, entityID string) (*BalanceSnapshot, error)
	calls    atomic.Int32
}

func (p *stubProvider) FetchBalances(ctx context.Context, entityID string) (*BalanceSnapshot, error) {
	p.calls.Add(1)
	if p.fetch != nil {
		return p.fetch(ctx, entityID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot, nil
}

func (p *stubProvider) set(snapshot *BalanceSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = snapshot
}

func snapshotOf(supply int64, balances ...Balance) *BalanceSnapshot {
	return &BalanceSnapshot{Balances: balances, TotalSupply: big.NewInt(supply)}
}

func bal(owner string, amount int64) Balance {
	return Balance{OwnerID: owner, Amount: big.NewInt(amount)}
}

type notification struct {
	entityID string
	envelope Envelope
}

// recordingNotifier keeps every broadcast in order.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Broadcast(entityID string, env Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{entityID: entityID, envelope: env})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var types = make([]string, len(n.sent))
	for i, s := range n.sent {
		types[i] = s.envelope.Type
	}
	return types
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

// fakeTransport records frames written by a Connection.
type fakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	pings    int
	closes   [][]byte
	closed   bool
	failNext bool
	block    chan struct{}
}

func (t *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if t.block != nil {
		<-t.block
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failNext {
		return errInjected
	}
	switch messageType {
	case websocket.TextMessage:
		t.messages = append(t.messages, append([]byte(nil), data...))
	case websocket.CloseMessage:
		t.closes = append(t.closes, append([]byte(nil), data...))
	case websocket.PingMessage:
		t.pings++
	}
	return nil
}

func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out = make([]string, len(t.messages))
	for i, m := range t.messages {
		out[i] = string(m)
	}
	return out
}

func (t *fakeTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) closeFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.closes...)
}
