package holderfeed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ConnectionState is the lifecycle stage of a Connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the part of a websocket a Connection writes to. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one subscriber. All writes go through a single writer goroutine
// fed by a bounded buffer, so a slow client never blocks the hub.
type Connection struct {
	id        string
	transport Transport

	send  chan []byte
	pings chan struct{}
	done  chan struct{}

	state        atomic.Int32
	awaitingPong atomic.Bool

	closeOnce  sync.Once
	closeFrame []byte
}

// NewConnection wraps an upgraded transport and starts its writer.
func NewConnection(transport Transport, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	var c = &Connection{
		id:        uuid.NewString(),
		transport: transport,
		send:      make(chan []byte, bufferSize),
		pings:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	go c.writePump()

	return c
}

// ID returns a unique identifier for the connection.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle stage.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Pong records a probe answer. Wire it to the transport's pong handler.
func (c *Connection) Pong() {
	c.awaitingPong.Store(false)
}

// Close closes the connection with a normal closure frame.
func (c *Connection) Close() {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame with the given code and closes the connection.
// Only the first close takes effect.
func (c *Connection) CloseWithCode(code int, text string) {
	c.shutdown(websocket.FormatCloseMessage(code, text))
}

// terminate closes the connection without a close frame.
func (c *Connection) terminate() {
	c.shutdown(nil)
}

func (c *Connection) shutdown(closeFrame []byte) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeFrame = closeFrame
		close(c.done)
	})
}

// open moves a connecting connection to open. It reports false if the connection is already closed.
func (c *Connection) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// enqueue hands a message to the writer without blocking.
// It reports false if the connection is closed or its buffer is full.
func (c *Connection) enqueue(data []byte) bool {
	if c.State() == StateClosed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// probe checks the previous probe was answered and sends a new one.
// It reports false if the previous probe is still unanswered.
func (c *Connection) probe() bool {
	if c.awaitingPong.Swap(true) {
		return false
	}

	select {
	case c.pings <- struct{}{}:
	default:
	}
	return true
}

func (c *Connection) writePump() {
	defer c.transport.Close()

	for {
		select {
		case <-c.done:
			if c.closeFrame != nil {
				_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.transport.WriteMessage(websocket.CloseMessage, c.closeFrame)
			}
			return

		case data := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				c.terminate()
				return
			}

		case <-c.pings:
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.terminate()
				return
			}
		}
	}
}
