// Package gateway dispatches live channel events from one connection to the
// relay and the presence registry. WebSocket and gRPC streams both feed it.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/event"
	"github.com/anvaya/chatrelay/internal/live"
	"github.com/anvaya/chatrelay/internal/metrics"
	"github.com/anvaya/chatrelay/internal/middleware"
	"github.com/anvaya/chatrelay/internal/normalize"
	"github.com/anvaya/chatrelay/internal/presence"
	"github.com/anvaya/chatrelay/internal/relay"

	"go.uber.org/zap"
)

// Peer is one live connection as seen by the gateway.
type Peer struct {
	Conn *live.Conn

	// Identity is the verified caller, empty in trust mode.
	Identity string

	// Remote is the client address, used as the rate limit key when there is
	// no identity.
	Remote string
}

// Gateway is safe for concurrent use.
type Gateway struct {
	relay    *relay.Relay
	presence *presence.Registry
	limiter  *middleware.LimiterStore
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New returns a gateway. limiter, m and log may be nil.
func New(r *relay.Relay, reg *presence.Registry, limiter *middleware.LimiterStore, m *metrics.Metrics, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{relay: r, presence: reg, limiter: limiter, metrics: m, log: log}
}

// Connect accounts for a newly opened connection.
func (g *Gateway) Connect(p *Peer) {
	g.metrics.ConnOpened()
	g.log.Debug("live connection opened", zap.String("conn", p.Conn.ID), zap.String("identity", p.Identity))
}

// Handle processes one inbound event. Failures are reported to the peer as
// error-message events; Handle itself never fails.
func (g *Gateway) Handle(ctx context.Context, p *Peer, ev event.Event) {
	switch ev.Type {
	case event.TypeJoin:
		g.join(p, ev)
	case event.TypeSendMessage:
		g.send(ctx, p, ev)
	case event.TypeDeleteMessage:
		g.delete(ctx, p, ev)
	case event.TypeMarkRead:
		g.markRead(ctx, p, ev)
	default:
		g.reject(p, event.CodeBadRequest, fmt.Sprintf("unknown event type %q", ev.Type), ev.ClientToken)
	}
}

// Disconnect removes the peer from presence and stops its writer.
func (g *Gateway) Disconnect(p *Peer) {
	removed := g.presence.Leave(p.Conn)
	p.Conn.Close()
	g.metrics.ConnClosed()
	g.log.Debug("live connection closed", zap.String("conn", p.Conn.ID), zap.Strings("users", removed))
}

func (g *Gateway) join(p *Peer, ev event.Event) {
	userID := normalize.UserID(ev.UserID)
	if userID == "" {
		userID = p.Identity
	}
	if userID == "" {
		g.reject(p, event.CodeBadRequest, "join requires a userId", "")
		return
	}
	if p.Identity != "" && userID != p.Identity {
		g.reject(p, event.CodeForbidden, "cannot join as another user", "")
		return
	}

	if evicted := g.presence.Join(userID, p.Conn); evicted != nil {
		g.log.Debug("presence replaced", zap.String("user", userID), zap.String("conn", p.Conn.ID))
	}
	if err := p.Conn.Send(event.Joined(userID)); err != nil {
		g.log.Debug("join ack not delivered", zap.String("user", userID), zap.Error(err))
	}
}

func (g *Gateway) send(ctx context.Context, p *Peer, ev event.Event) {
	sender, ok := g.actingAs(p, "send", ev.Sender, ev.ClientToken)
	if !ok {
		return
	}
	if !g.limiter.Allow(g.limitKey(p, sender)) {
		g.metrics.Failed("send", event.CodeRateLimited)
		g.reject(p, event.CodeRateLimited, "slow down", ev.ClientToken)
		return
	}

	// errors were already reported to the peer by the relay
	_, _ = g.relay.SendMessage(ctx, p.Conn, relay.SendRequest{
		Sender:      sender,
		Receiver:    ev.Receiver,
		Content:     ev.Content,
		Image:       ev.Image,
		ClientToken: ev.ClientToken,
	})
}

func (g *Gateway) delete(ctx context.Context, p *Peer, ev event.Event) {
	id := strings.TrimSpace(ev.MessageID)
	if id == "" {
		g.reject(p, event.CodeBadRequest, "delete-message requires a messageId", ev.ClientToken)
		return
	}
	requester := p.Identity
	if requester == "" {
		requester = normalize.UserID(ev.Sender)
	}
	_, _ = g.relay.DeleteMessage(ctx, p.Conn, relay.DeleteRequest{
		MessageID:   id,
		Requester:   requester,
		ClientToken: ev.ClientToken,
	})
}

func (g *Gateway) markRead(ctx context.Context, p *Peer, ev event.Event) {
	reader, ok := g.actingAs(p, "read", ev.UserID, "")
	if !ok {
		return
	}
	_, _ = g.relay.MarkRead(ctx, p.Conn, reader, ev.Receiver)
}

// actingAs resolves the user an event claims to act for. With a verified
// identity the claim must match it (or be empty).
func (g *Gateway) actingAs(p *Peer, op, claimed, clientToken string) (string, bool) {
	claimed = normalize.UserID(claimed)
	if p.Identity == "" {
		return claimed, true
	}
	if claimed != "" && claimed != p.Identity {
		g.metrics.Failed(op, event.CodeForbidden)
		g.reject(p, event.CodeForbidden, data.ErrForbidden.Error()+": cannot act as another user", clientToken)
		return "", false
	}
	return p.Identity, true
}

func (g *Gateway) limitKey(p *Peer, sender string) string {
	if p.Identity != "" {
		return "user:" + p.Identity
	}
	if sender != "" {
		return "user:" + sender
	}
	return "addr:" + p.Remote
}

func (g *Gateway) reject(p *Peer, code, msg, clientToken string) {
	if err := p.Conn.Send(event.Failure(code, msg, clientToken)); err != nil {
		g.log.Debug("error event not delivered", zap.String("conn", p.Conn.ID), zap.Error(err))
	}
}
