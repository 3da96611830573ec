package main

import (
	"context"
	"strings"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"
	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/gateway"
	"github.com/anvaya/chatrelay/internal/metrics"
	"github.com/anvaya/chatrelay/internal/middleware"
	"github.com/anvaya/chatrelay/internal/presence"
	"github.com/anvaya/chatrelay/internal/relay"
	"github.com/anvaya/chatrelay/internal/rpc/chatv1"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// messageStore is everything the server needs from a message store. Both the
// Mongo and the SQL store satisfy it.
type messageStore interface {
	relay.Store
	History(ctx context.Context, userA, userB string) ([]*data.Message, error)
	Conversations(ctx context.Context, userID string, limit int64) ([]*data.ConversationSummary, error)
}

// serverDeps wires a Server. Only Store is required.
type serverDeps struct {
	Store        messageStore
	JWT          *auth.JWTManager // nil runs in trust mode
	Publisher    relay.Publisher
	Limiter      *middleware.LimiterStore
	Logger       *zap.Logger
	Registry     *prometheus.Registry
	QueueSize    int
	FrontendURL  string
	StoreTimeout time.Duration
	Health       func(context.Context) error
}

// Server implements the chat service over gRPC, REST and WebSocket.
type Server struct {
	store    messageStore
	relay    *relay.Relay
	gateway  *gateway.Gateway
	presence *presence.Registry
	jwt      *auth.JWTManager
	limiter  *middleware.LimiterStore
	registry *prometheus.Registry
	log      *zap.Logger

	queueSize   int
	frontendURL string
	health      func(context.Context) error
}

// newServer returns a ready-to-use Server wired with the store, relay and
// presence registry.
func newServer(d serverDeps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	m := metrics.New(d.Registry)

	reg := presence.NewRegistry(m)
	r := relay.New(d.Store, reg, relay.Options{
		Publisher:    d.Publisher,
		Logger:       d.Logger.Named("relay"),
		Metrics:      m,
		StoreTimeout: d.StoreTimeout,
	})

	return &Server{
		store:       d.Store,
		relay:       r,
		gateway:     gateway.New(r, reg, d.Limiter, m, d.Logger.Named("gateway")),
		presence:    reg,
		jwt:         d.JWT,
		limiter:     d.Limiter,
		registry:    d.Registry,
		log:         d.Logger,
		queueSize:   d.QueueSize,
		frontendURL: d.FrontendURL,
		health:      d.Health,
	}
}

// registerService registers the ChatService on the given gRPC server.
func registerService(s *grpc.Server, srv *Server) {
	chatv1.RegisterChatServiceServer(s, srv)
}

// identify returns the caller identity for a request. In trust mode the
// X-User-ID value is taken as is and may be empty.
func (s *Server) identify(authorization, userHeader string) (string, error) {
	if s.jwt == nil {
		return strings.TrimSpace(userHeader), nil
	}
	return s.jwt.Authenticate(authorization)
}

// allowedAs reports whether the caller may act for userID. Callers without an
// identity (trust mode) may act for anyone.
func allowedAs(ctx context.Context, userID string) bool {
	id, ok := auth.FromContext(ctx)
	return !ok || id == strings.TrimSpace(userID)
}
