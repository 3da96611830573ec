package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/anvaya/chatrelay/internal/event"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Live is a WebSocket connection to the server's /ws endpoint. Events are
// fanned out to every subscriber from a single reader goroutine.
type Live struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]func(event.Event)
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
}

// DialLive connects to wsURL (ws:// or wss://). token, when set, is sent as
// a bearer header and as the token query parameter.
func DialLive(ctx context.Context, wsURL, token string, log *zap.Logger) (*Live, error) {
	if log == nil {
		log = zap.NewNop()
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse live url: %w", err)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, u.Redacted(), err)
	}

	l := &Live{
		conn: conn,
		log:  log,
		subs: make(map[uint64]func(event.Event)),
		done: make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Subscribe registers fn for every inbound event and returns a function that
// removes it. fn runs on the reader goroutine and must not block for long.
func (l *Live) Subscribe(fn func(event.Event)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Join registers userID's presence on this connection.
func (l *Live) Join(ctx context.Context, userID string) error {
	return l.Send(ctx, event.Event{Type: event.TypeJoin, UserID: userID})
}

// Send writes one event. Failures are wrapped in ErrTransport and close the
// connection.
func (l *Live) Send(ctx context.Context, ev event.Event) error {
	select {
	case <-l.done:
		return fmt.Errorf("%w: live connection closed", ErrTransport)
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(deadline)
	err := l.conn.WriteJSON(ev)
	l.writeMu.Unlock()

	if err != nil {
		l.Close()
		return fmt.Errorf("%w: write %s: %v", ErrTransport, ev.Type, err)
	}
	return nil
}

// Done is closed once the connection is gone.
func (l *Live) Done() <-chan struct{} {
	return l.done
}

// Close shuts the connection down. It is idempotent.
func (l *Live) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}

func (l *Live) readLoop() {
	defer l.Close()

	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPingHandler(func(appData string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var ev event.Event
		if err := l.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Debug("live read failed", zap.Error(err))
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))

		l.mu.Lock()
		handlers := make([]func(event.Event), 0, len(l.subs))
		for _, fn := range l.subs {
			handlers = append(handlers, fn)
		}
		l.mu.Unlock()

		for _, fn := range handlers {
			fn(ev)
		}
	}
}
