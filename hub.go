package holderfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidTopic is returned by Join when the requested room is not a valid entity id.
	ErrInvalidTopic = errors.New("invalid subscription topic")

	// ErrHubFull is returned by Join when the connection cap is reached.
	ErrHubFull = errors.New("subscriber capacity reached")

	// ErrAlreadyJoined is returned by Join when the connection already belongs to a topic.
	ErrAlreadyJoined = errors.New("connection already joined a topic")

	// ErrConnectionClosed is returned by Join for a connection that was closed before admission.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHubStopped is returned once Run has returned.
	ErrHubStopped = errors.New("hub stopped")

	// ErrInvalidEntityID is returned for entity ids that are not base58 public keys.
	ErrInvalidEntityID = errors.New("entity id must be a base58 encoded public key")
)

// ValidateEntityID checks that an entity id is a base58 encoded 32 byte public key.
func ValidateEntityID(entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if _, err := solana.PublicKeyFromBase58(entityID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntityID, err)
	}
	return nil
}

// Topic is what a connection subscribes to: one entity room or the global feed.
type Topic struct {
	Global   bool
	EntityID string
}

// FeedTopic returns the global feed topic.
func FeedTopic() Topic {
	return Topic{Global: true}
}

// RoomTopic returns the room topic of an entity.
func RoomTopic(entityID string) Topic {
	return Topic{EntityID: entityID}
}

func (t Topic) String() string {
	if t.Global {
		return "feed"
	}
	return "room:" + t.EntityID
}

// HubStats is a point-in-time view of hub membership.
type HubStats struct {
	Rooms       int
	RoomMembers int
	FeedMembers int
}

// hubState is owned by the Run goroutine and never touched elsewhere.
type hubState struct {
	rooms  map[string]map[*Connection]struct{}
	feed   map[*Connection]struct{}
	topics map[*Connection]Topic
}

// Hub tracks which connections listen to which entity room or to the global feed.
// A single goroutine started by Run owns all membership state; every other method
// hands it a command, so callers never share maps.
type Hub struct {
	commands       chan func(*hubState)
	stopped        chan struct{}
	validate       func(string) error
	maxConnections int
	probeInterval  time.Duration
	logger         *slog.Logger
}

// NewHub creates a hub. Run must be called before it accepts commands.
func NewHub(opts ...Option) *Hub {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return newHub(options)
}

func newHub(o options) *Hub {
	return &Hub{
		commands:       make(chan func(*hubState)),
		stopped:        make(chan struct{}),
		validate:       ValidateEntityID,
		maxConnections: o.maxConnections,
		probeInterval:  o.probeInterval,
		logger:         o.logger,
	}
}

// Run processes commands and liveness probes until ctx is cancelled.
// On return every remaining connection is closed with a going-away frame.
func (h *Hub) Run(ctx context.Context) {
	var state = &hubState{
		rooms:  make(map[string]map[*Connection]struct{}),
		feed:   make(map[*Connection]struct{}),
		topics: make(map[*Connection]Topic),
	}

	var ticker = time.NewTicker(h.probeInterval)
	defer ticker.Stop()

	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			for c := range state.topics {
				c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case cmd := <-h.commands:
			cmd(state)
		case <-ticker.C:
			h.probe(state)
		}
	}
}

// Join admits a connection to a topic. The topic is fixed for the life of the connection.
func (h *Hub) Join(ctx context.Context, c *Connection, topic Topic) error {
	if !topic.Global {
		if err := h.validate(topic.EntityID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
		}
	}

	var joinErr error
	var err = h.call(ctx, func(s *hubState) {
		if _, ok := s.topics[c]; ok {
			joinErr = ErrAlreadyJoined
			return
		}
		if len(s.topics) >= h.maxConnections {
			joinErr = ErrHubFull
			return
		}
		if !c.open() {
			joinErr = ErrConnectionClosed
			return
		}

		s.topics[c] = topic
		if topic.Global {
			s.feed[c] = struct{}{}
		} else {
			var room, ok = s.rooms[topic.EntityID]
			if !ok {
				room = make(map[*Connection]struct{})
				s.rooms[topic.EntityID] = room
			}
			room[c] = struct{}{}
		}
	})
	if err != nil {
		return err
	}
	if joinErr != nil {
		return joinErr
	}

	h.logger.Debug("connection joined", "connection_id", c.ID(), "topic", topic.String())
	return nil
}

// Leave removes a connection from its topic and closes it. Leaving twice is a no-op.
func (h *Hub) Leave(c *Connection) {
	h.post(func(s *hubState) {
		s.remove(c)
	})
	c.Close()
}

// ActiveEntityIDs returns the sorted ids of every entity with at least one room member.
func (h *Hub) ActiveEntityIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var err = h.call(ctx, func(s *hubState) {
		ids = make([]string, 0, len(s.rooms))
		for id, room := range s.rooms {
			if len(room) > 0 {
				ids = append(ids, id)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return ids, nil
}

// Stats returns the current membership counts.
func (h *Hub) Stats(ctx context.Context) (HubStats, error) {
	var stats HubStats
	var err = h.call(ctx, func(s *hubState) {
		stats.Rooms = len(s.rooms)
		for _, room := range s.rooms {
			stats.RoomMembers += len(room)
		}
		stats.FeedMembers = len(s.feed)
	})
	return stats, err
}

// Broadcast delivers an envelope to every connection in the room of an entity.
// Delivery is best-effort and per connection; nothing is reported to the caller.
func (h *Hub) Broadcast(entityID string, env Envelope) {
	var data, ok = h.encode(env)
	if !ok {
		return
	}

	h.post(func(s *hubState) {
		h.deliver(s, s.rooms[entityID], data)
	})
}

// BroadcastGlobal delivers an envelope to every global feed connection.
func (h *Hub) BroadcastGlobal(env Envelope) {
	var data, ok = h.encode(env)
	if !ok {
		return
	}

	h.post(func(s *hubState) {
		h.deliver(s, s.feed, data)
	})
}

func (h *Hub) encode(env Envelope) ([]byte, bool) {
	var data, err = json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode envelope", "type", env.Type, "error", err)
		return nil, false
	}
	return data, true
}

// deliver runs on the hub goroutine. Closed connections are dropped from their topic;
// full buffers only lose this one message.
func (h *Hub) deliver(s *hubState, members map[*Connection]struct{}, data []byte) {
	for c := range members {
		if c.enqueue(data) {
			continue
		}
		if c.State() == StateClosed {
			s.remove(c)
			continue
		}
		h.logger.Warn("dropped message for slow connection", "connection_id", c.ID())
	}
}

// probe terminates connections that left the previous probe unanswered and pings the rest.
func (h *Hub) probe(s *hubState) {
	for c := range s.topics {
		if c.State() == StateClosed {
			s.remove(c)
			continue
		}
		if !c.probe() {
			h.logger.Info("terminating unresponsive connection", "connection_id", c.ID())
			s.remove(c)
			c.terminate()
		}
	}
}

// call runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) call(ctx context.Context, fn func(*hubState)) error {
	var done = make(chan struct{})
	var cmd = func(s *hubState) {
		fn(s)
		close(done)
	}

	select {
	case h.commands <- cmd:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done
	return nil
}

// post hands fn to the hub goroutine without waiting for it to run.
// Commands posted by one goroutine run in the order they were posted.
func (h *Hub) post(fn func(*hubState)) {
	select {
	case h.commands <- fn:
	case <-h.stopped:
	}
}

func (s *hubState) remove(c *Connection) {
	var topic, ok = s.topics[c]
	if !ok {
		return
	}
	delete(s.topics, c)

	if topic.Global {
		delete(s.feed, c)
		return
	}

	var room = s.rooms[topic.EntityID]
	delete(room, c)
	if len(room) == 0 {
		delete(s.rooms, topic.EntityID)
	}
}
