// Package presence tracks which users currently have a live connection on this
// process.
package presence

import (
	"sync"

	"github.com/anvaya/chatrelay/internal/event"
	"github.com/anvaya/chatrelay/internal/metrics"
	"github.com/anvaya/chatrelay/internal/normalize"
)

// Conn is the minimal interface the registry needs from a connection: the
// ability to queue an event for the client. Send must not block.
type Conn interface {
	Send(event.Event) error
}

// Registry maps user ids to their active connection. Each user has at most one
// entry; the most recent join wins.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{conns: make(map[string]Conn), metrics: m}
}

// Join registers conn for userID and returns the handle it replaced, if any.
// The replaced handle is not closed; it simply stops receiving deliveries.
func (r *Registry) Join(userID string, conn Conn) Conn {
	userID = normalize.UserID(userID)

	r.mu.Lock()
	evicted := r.conns[userID]
	r.conns[userID] = conn
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetOnline(n)
	if evicted == conn {
		return nil
	}
	return evicted
}

// Leave removes every entry whose handle is conn and returns the user ids that
// were removed. Leaving with an unknown handle is a no-op.
func (r *Registry) Leave(conn Conn) []string {
	var removed []string

	r.mu.Lock()
	for id, c := range r.conns {
		if c == conn {
			delete(r.conns, id)
			removed = append(removed, id)
		}
	}
	n := len(r.conns)
	r.mu.Unlock()

	if len(removed) > 0 {
		r.metrics.SetOnline(n)
	}
	return removed
}

// Resolve returns the connection registered for userID.
func (r *Registry) Resolve(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[normalize.UserID(userID)]
	return c, ok
}

// Online returns the number of registered users.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
