// Package live holds the server side of one live connection: a bounded queue of
// outbound events drained by the transport's writer goroutine.
package live

import (
	"errors"
	"sync"

	"github.com/anvaya/chatrelay/internal/event"

	"github.com/google/uuid"
)

const DefaultQueueSize = 64

var (
	// ErrQueueFull is returned by Send when the writer has fallen behind.
	ErrQueueFull = errors.New("live: outbound queue full")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("live: connection closed")
)

// Conn is a live connection handle. Send never blocks, so it is safe to call
// from the relay while fanning out. The outbound channel is never closed;
// writers stop on Done.
type Conn struct {
	ID string

	out       chan event.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn returns a connection with a bounded queue of queueSize events.
func NewConn(queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		ID:   uuid.NewString(),
		out:  make(chan event.Event, queueSize),
		done: make(chan struct{}),
	}
}

// Send enqueues ev for the writer.
func (c *Conn) Send(ev event.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Outbound is drained by the transport writer.
func (c *Conn) Outbound() <-chan event.Event {
	return c.out
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close signals the writer to stop. It is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
