// Package relay persists chat mutations and fans the resulting events out to
// whoever is online.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anvaya/chatrelay/internal/broker"
	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/event"
	"github.com/anvaya/chatrelay/internal/live"
	"github.com/anvaya/chatrelay/internal/metrics"
	"github.com/anvaya/chatrelay/internal/normalize"
	"github.com/anvaya/chatrelay/internal/presence"

	"go.uber.org/zap"
)

const (
	defaultStoreTimeout   = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	publishQueueSize      = 256
)

// Store is the part of the message store the relay writes through.
type Store interface {
	Append(ctx context.Context, sender, receiver, content, image string) (*data.Message, error)
	Get(ctx context.Context, id string) (*data.Message, error)
	SoftDelete(ctx context.Context, id string) (*data.Message, error)
	MarkRead(ctx context.Context, reader, partner string) (int64, error)
}

// Publisher receives domain events after they are persisted.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Options configures a Relay. Every field is optional.
type Options struct {
	Publisher    Publisher
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	StoreTimeout time.Duration
	// PublishTimeout bounds a single broker publish. Publishing happens off
	// the caller's goroutine; zero means 5s.
	PublishTimeout time.Duration
}

// Relay is safe for concurrent use.
type Relay struct {
	store    Store
	presence *presence.Registry
	pub      Publisher
	log      *zap.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration

	pubTimeout time.Duration
	pubMu      sync.RWMutex
	pubClosed  bool
	pubQueue   chan publication
	pubDone    chan struct{}
}

type publication struct {
	key     string
	payload any
}

// New returns a relay writing to store and delivering through reg.
func New(store Store, reg *presence.Registry, opts Options) *Relay {
	r := &Relay{
		store:    store,
		presence: reg,
		pub:      opts.Publisher,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		timeout:  opts.StoreTimeout,

		pubTimeout: opts.PublishTimeout,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.timeout <= 0 {
		r.timeout = defaultStoreTimeout
	}
	if r.pubTimeout <= 0 {
		r.pubTimeout = defaultPublishTimeout
	}
	if r.pub != nil {
		r.pubQueue = make(chan publication, publishQueueSize)
		r.pubDone = make(chan struct{})
		go r.publishLoop()
	}
	return r
}

// Close stops the publisher goroutine after it has drained queued events.
// Events published after Close are dropped. Safe to call more than once.
func (r *Relay) Close() {
	if r.pub == nil {
		return
	}
	r.pubMu.Lock()
	if !r.pubClosed {
		r.pubClosed = true
		close(r.pubQueue)
	}
	r.pubMu.Unlock()
	<-r.pubDone
}

// SendRequest is a new message from Sender to Receiver. ClientToken is opaque
// to the server and echoed back to the sender on success or failure.
type SendRequest struct {
	Sender      string
	Receiver    string
	Content     string
	Image       string
	ClientToken string
}

// DeleteRequest asks to soft delete MessageID. An empty Requester skips the
// ownership check; callers leave it empty only when identity is not verified.
type DeleteRequest struct {
	MessageID   string
	Requester   string
	ClientToken string
}

// SendMessage persists the message, then delivers receive-message to the
// receiver and message-sent to the sender. Nothing is delivered when
// persistence fails; origin (may be nil) receives an error event instead.
func (r *Relay) SendMessage(ctx context.Context, origin presence.Conn, req SendRequest) (*data.Message, error) {
	sctx, cancel := r.storeContext(ctx)
	msg, err := r.store.Append(sctx, req.Sender, req.Receiver, req.Content, req.Image)
	cancel()
	if err != nil {
		r.fail(origin, "send", err, req.ClientToken)
		return nil, err
	}
	r.metrics.MessagePersisted()

	r.deliver(msg.Receiver, event.Received(msg))
	r.deliver(msg.Sender, event.Sent(msg, req.ClientToken))

	r.publish(broker.KeyMessageCreated, msg.Redacted())
	return msg, nil
}

// DeleteMessage soft deletes a message and notifies both stored participants.
func (r *Relay) DeleteMessage(ctx context.Context, origin presence.Conn, req DeleteRequest) (*data.Message, error) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	existing, err := r.store.Get(sctx, req.MessageID)
	if err != nil {
		r.fail(origin, "delete", err, req.ClientToken)
		return nil, err
	}
	if req.Requester != "" && normalize.UserID(req.Requester) != existing.Sender {
		err := fmt.Errorf("%w: only the sender can delete a message", data.ErrForbidden)
		r.fail(origin, "delete", err, req.ClientToken)
		return nil, err
	}

	msg, err := r.store.SoftDelete(sctx, req.MessageID)
	if err != nil {
		r.fail(origin, "delete", err, req.ClientToken)
		return nil, err
	}

	ev := event.Deleted(msg)
	r.deliver(msg.Sender, ev)
	if msg.Receiver != msg.Sender {
		r.deliver(msg.Receiver, ev)
	}

	r.publish(broker.KeyMessageDeleted, ev)
	return msg, nil
}

// MarkRead flags partner's messages to reader as read and tells partner when
// anything changed.
func (r *Relay) MarkRead(ctx context.Context, origin presence.Conn, reader, partner string) (int64, error) {
	reader = normalize.UserID(reader)
	partner = normalize.UserID(partner)
	if reader == "" || partner == "" {
		err := fmt.Errorf("%w: reader and partner are required", data.ErrValidation)
		r.fail(origin, "read", err, "")
		return 0, err
	}

	sctx, cancel := r.storeContext(ctx)
	n, err := r.store.MarkRead(sctx, reader, partner)
	cancel()
	if err != nil {
		r.fail(origin, "read", err, "")
		return 0, err
	}
	if n > 0 {
		r.deliver(partner, event.Read(reader, partner))
	}
	return n, nil
}

// storeContext keeps the write alive if the caller's connection goes away
// mid-request, bounded by the store timeout.
func (r *Relay) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

// deliver is fire-and-forget: offline users and full queues are counted, never
// reported to the caller.
func (r *Relay) deliver(userID string, ev event.Event) {
	conn, ok := r.presence.Resolve(userID)
	if !ok {
		r.metrics.Dropped(ev.Type, "offline")
		r.log.Debug("recipient offline", zap.String("user", userID), zap.String("event", ev.Type))
		return
	}
	if err := conn.Send(ev); err != nil {
		reason := "error"
		switch {
		case errors.Is(err, live.ErrQueueFull):
			reason = "queue_full"
		case errors.Is(err, live.ErrClosed):
			reason = "closed"
		}
		r.metrics.Dropped(ev.Type, reason)
		r.log.Debug("delivery failed", zap.String("user", userID), zap.String("event", ev.Type), zap.Error(err))
		return
	}
	r.metrics.Delivered(ev.Type)
}

func (r *Relay) fail(origin presence.Conn, op string, err error, clientToken string) {
	code := event.CodeFor(err)
	r.metrics.Failed(op, code)
	if code == event.CodePersistence {
		r.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
	} else {
		r.log.Debug("request rejected", zap.String("op", op), zap.Error(err))
	}
	if origin == nil {
		return
	}
	if sendErr := origin.Send(event.FailureFor(err, clientToken)); sendErr != nil {
		r.log.Debug("error event not delivered", zap.String("op", op), zap.Error(sendErr))
	}
}

// publish hands the event to the publisher goroutine. It never blocks: when
// the queue is full the event is counted as dropped.
func (r *Relay) publish(key string, payload any) {
	if r.pub == nil {
		return
	}
	r.pubMu.RLock()
	defer r.pubMu.RUnlock()
	if r.pubClosed {
		r.metrics.Dropped(key, "closed")
		return
	}
	select {
	case r.pubQueue <- publication{key: key, payload: payload}:
	default:
		r.metrics.Dropped(key, "queue_full")
		r.log.Warn("publish queue full, event dropped", zap.String("key", key))
	}
}

func (r *Relay) publishLoop() {
	defer close(r.pubDone)
	for p := range r.pubQueue {
		ctx, cancel := context.WithTimeout(context.Background(), r.pubTimeout)
		if err := r.pub.Publish(ctx, p.key, p.payload); err != nil {
			r.log.Warn("event not published", zap.String("key", p.key), zap.Error(err))
		}
		cancel()
	}
}
