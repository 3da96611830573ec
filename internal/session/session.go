// Package session keeps the client-side view of one conversation consistent
// with the server: it loads history, merges live events, deduplicates, and
// tracks sends that have not been confirmed yet.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anvaya/chatrelay/internal/client"
	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/event"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State of a session.
type State int

const (
	Closed State = iota
	Loading
	Live
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Loading:
		return "loading"
	case Live:
		return "live"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotClosed is returned by Open on a session that is already open.
	ErrNotClosed = errors.New("session already open")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrUnknownToken is returned by Retry for a token with no failed entry.
	ErrUnknownToken = errors.New("no failed send with that token")

	// ErrRejected wraps server rejections whose code has no local sentinel.
	ErrRejected = errors.New("rejected by server")
)

const (
	defaultAckTimeout = 10 * time.Second

	// allowed drift between the local clock and server timestamps when a
	// lost confirmation is matched against history
	clockSkew = time.Minute
)

// HistoryFetcher loads the full conversation between two users.
type HistoryFetcher interface {
	History(ctx context.Context, userA, userB string) ([]*data.Message, error)
}

// Channel is the live connection. Send and Join return errors wrapping
// client.ErrTransport when the event could not be written.
type Channel interface {
	Subscribe(fn func(event.Event)) (unsubscribe func())
	Join(ctx context.Context, userID string) error
	Send(ctx context.Context, ev event.Event) error
}

// Fallback is the request/response path used when the live channel is down.
type Fallback interface {
	CreateMessage(ctx context.Context, sender, receiver, content, image string) (*data.Message, error)
	DeleteMessage(ctx context.Context, id string) (*data.Message, error)
	MarkRead(ctx context.Context, reader, partner string) (int64, error)
}

// PendingStatus of an unconfirmed send.
type PendingStatus int

const (
	Sending PendingStatus = iota
	Failed
)

func (s PendingStatus) String() string {
	if s == Failed {
		return "failed"
	}
	return "sending"
}

// Pending is a send the server has not confirmed yet. It is never part of the
// message list.
type Pending struct {
	Token   string
	Content string
	Image   string
	Status  PendingStatus
	Err     string
	Created time.Time
}

// Options configures a Session.
type Options struct {
	// OnChange is called after every state, message or pending change, without
	// the session lock held.
	OnChange func()
	Logger   *zap.Logger

	// AckTimeout is how long a live send or delete waits for the server's
	// answer before the session checks over the fallback. Zero means 10s.
	AckTimeout time.Duration
}

// Session is one user's view of the conversation with a peer.
type Session struct {
	self string
	peer string

	history  HistoryFetcher
	channel  Channel
	fallback Fallback
	onChange   func()
	log        *zap.Logger
	ackTimeout time.Duration

	mu          sync.Mutex
	state       State
	gen         uint64 // bumped on every Open and Close; stale handlers check it
	messages    []*data.Message
	index       map[string]int
	tombstones  map[string]struct{}
	pending     []*Pending
	buffered    []event.Event
	unsubscribe func()
	acks        map[string]*time.Timer   // by pending token
	deletes     map[string]*deleteWaiter // by client token
}

type deleteWaiter struct {
	id   string
	done chan error
}

// New returns a closed session for self talking to peer.
func New(self, peer string, history HistoryFetcher, channel Channel, fallback Fallback, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	return &Session{
		self:       strings.TrimSpace(self),
		peer:       strings.TrimSpace(peer),
		history:    history,
		channel:    channel,
		fallback:   fallback,
		onChange:   opts.OnChange,
		log:        opts.Logger,
		ackTimeout: opts.AckTimeout,
		index:      make(map[string]int),
		tombstones: make(map[string]struct{}),
		acks:       make(map[string]*time.Timer),
		deletes:    make(map[string]*deleteWaiter),
	}
}

// Open subscribes to live events, joins presence and loads history. Events
// that arrive while history is loading are buffered and replayed on top of
// it. If history cannot be loaded the session returns to Closed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Closed {
		s.mu.Unlock()
		return ErrNotClosed
	}
	s.state = Loading
	s.gen++
	gen := s.gen
	s.buffered = nil
	s.messages = nil
	s.index = make(map[string]int)
	s.tombstones = make(map[string]struct{})
	s.mu.Unlock()

	// subscribe before fetching so nothing sent during the fetch is lost
	unsubscribe := s.channel.Subscribe(func(ev event.Event) { s.handle(gen, ev) })

	type result struct {
		msgs []*data.Message
		err  error
	}
	fetched := make(chan result, 1)
	go func() {
		msgs, err := s.history.History(ctx, s.self, s.peer)
		fetched <- result{msgs, err}
	}()

	if err := s.channel.Join(ctx, s.self); err != nil {
		// sends fall back to REST; history still loads
		s.log.Warn("live join failed", zap.String("user", s.self), zap.Error(err))
	}

	res := <-fetched

	s.mu.Lock()
	if s.gen != gen {
		// closed while loading
		s.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	if res.err != nil {
		s.state = Closed
		s.gen++
		s.buffered = nil
		s.mu.Unlock()
		unsubscribe()
		s.notify()
		return fmt.Errorf("load history: %w", res.err)
	}

	s.unsubscribe = unsubscribe
	for _, m := range res.msgs {
		if _, ok := s.index[m.ID]; ok {
			continue
		}
		cp := *m
		s.index[cp.ID] = len(s.messages)
		s.messages = append(s.messages, &cp)
	}
	s.sortLocked()

	buffered := s.buffered
	s.buffered = nil
	for _, ev := range buffered {
		s.applyLocked(ev)
	}
	// sends left unconfirmed by an earlier Close
	for _, p := range s.pending {
		if p.Status == Sending {
			s.armAckLocked(p.Token)
		}
	}
	s.state = Live
	s.mu.Unlock()

	s.notify()
	return nil
}

// Close unsubscribes from live events. Presence is left alone; it ends with
// the connection.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.gen++
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.buffered = nil
	for token, t := range s.acks {
		t.Stop()
		delete(s.acks, token)
	}
	for token, w := range s.deletes {
		w.done <- ErrClosed
		delete(s.deletes, token)
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.notify()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the confirmed conversation, oldest first.
func (s *Session) Messages() []data.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]data.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// Pending returns a copy of the unconfirmed sends, oldest first.
func (s *Session) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pending, len(s.pending))
	for i, p := range s.pending {
		out[i] = *p
	}
	return out
}

// Send queues a message to the peer and returns its correlation token. The
// message only joins the conversation once the server confirms it.
func (s *Session) Send(ctx context.Context, content, image string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && image == "" {
		return "", fmt.Errorf("%w: message must have content or image", data.ErrValidation)
	}

	p := &Pending{
		Token:   uuid.NewString(),
		Content: content,
		Image:   image,
		Status:  Sending,
		Created: time.Now(),
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	s.notify()

	return p.Token, s.dispatch(ctx, p.Token, content, image)
}

// Retry resends a failed entry under the same token.
func (s *Session) Retry(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	p := s.findPendingLocked(token)
	if p == nil || p.Status != Failed {
		s.mu.Unlock()
		return ErrUnknownToken
	}
	p.Status = Sending
	p.Err = ""
	content, image := p.Content, p.Image
	s.mu.Unlock()
	s.notify()

	return s.dispatch(ctx, token, content, image)
}

// Discard drops a pending entry. It reports whether one was found.
func (s *Session) Discard(token string) bool {
	s.mu.Lock()
	ok := s.removePendingLocked(token)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// Delete asks the server to delete a message and waits for its answer. A
// rejection is returned as the matching data error. When the live channel is
// down, or the server stays silent for AckTimeout, the fallback decides.
func (s *Session) Delete(ctx context.Context, id string) error {
	token := uuid.NewString()
	w := &deleteWaiter{id: id, done: make(chan error, 1)}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.deletes[token] = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.deletes, token)
		s.mu.Unlock()
	}()

	err := s.channel.Send(ctx, event.Event{
		Type:        event.TypeDeleteMessage,
		MessageID:   id,
		Sender:      s.self,
		Receiver:    s.peer,
		ClientToken: token,
	})
	switch {
	case err == nil:
		timer := time.NewTimer(s.ackTimeout)
		defer timer.Stop()
		select {
		case err := <-w.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.log.Debug("live delete not acknowledged, using fallback", zap.String("id", id))
		}
	case errors.Is(err, client.ErrTransport):
		s.log.Debug("live delete failed, using fallback", zap.Error(err))
	default:
		return err
	}

	msg, err := s.fallback.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg != nil {
		s.apply(event.Deleted(msg))
	}
	return nil
}

// MarkRead tells the server the peer's messages have been read.
func (s *Session) MarkRead(ctx context.Context) error {
	if s.State() == Closed {
		return ErrClosed
	}
	err := s.channel.Send(ctx, event.Event{Type: event.TypeMarkRead, UserID: s.self, Receiver: s.peer})
	if err == nil || !errors.Is(err, client.ErrTransport) {
		return err
	}
	_, err = s.fallback.MarkRead(ctx, s.self, s.peer)
	return err
}

// dispatch tries the live channel, then the fallback. On final failure the
// entry is marked Failed and the error returned.
func (s *Session) dispatch(ctx context.Context, token, content, image string) error {
	err := s.channel.Send(ctx, event.Event{
		Type:        event.TypeSendMessage,
		Sender:      s.self,
		Receiver:    s.peer,
		Content:     content,
		Image:       image,
		ClientToken: token,
	})
	if err == nil {
		// confirmed by message-sent, failed by error-message, or checked
		// against history when neither arrives in time
		s.mu.Lock()
		if p := s.findPendingLocked(token); p != nil && p.Status == Sending {
			s.armAckLocked(token)
		}
		s.mu.Unlock()
		return nil
	}

	if errors.Is(err, client.ErrTransport) {
		s.log.Debug("live send failed, using fallback", zap.String("token", token), zap.Error(err))
		msg, ferr := s.fallback.CreateMessage(ctx, s.self, s.peer, content, image)
		if ferr == nil {
			s.mu.Lock()
			s.removePendingLocked(token)
			if s.state != Closed && msg != nil && msg.Involves(s.self, s.peer) {
				s.insertLocked(msg)
			}
			s.mu.Unlock()
			s.notify()
			return nil
		}
		err = ferr
	}

	s.mu.Lock()
	if p := s.findPendingLocked(token); p != nil {
		p.Status = Failed
		p.Err = err.Error()
	}
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Session) armAckLocked(token string) {
	if t, ok := s.acks[token]; ok {
		t.Stop()
	}
	s.acks[token] = time.AfterFunc(s.ackTimeout, func() { s.ackExpired(token) })
}

func (s *Session) stopAckLocked(token string) {
	if t, ok := s.acks[token]; ok {
		t.Stop()
		delete(s.acks, token)
	}
}

// ackExpired runs when a live send got no answer. The confirmation may have
// gone to another connection of the same user, so history decides: a stored
// copy replaces the entry, otherwise it fails and can be retried.
func (s *Session) ackExpired(token string) {
	s.mu.Lock()
	delete(s.acks, token)
	p := s.findPendingLocked(token)
	if s.state == Closed || p == nil || p.Status != Sending {
		s.mu.Unlock()
		return
	}
	content, image, since := p.Content, p.Image, p.Created.Add(-clockSkew)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	msgs, err := s.history.History(ctx, s.self, s.peer)
	cancel()

	s.mu.Lock()
	p = s.findPendingLocked(token)
	if s.state == Closed || p == nil || p.Status != Sending {
		s.mu.Unlock()
		return
	}
	if err == nil {
		for _, m := range msgs {
			if m.Sender != s.self || m.Receiver != s.peer || m.Content != content || m.Image != image || m.Timestamp.Before(since) {
				continue
			}
			if _, seen := s.index[m.ID]; seen {
				continue
			}
			s.removePendingLocked(token)
			s.insertLocked(m)
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	p.Status = Failed
	p.Err = "not confirmed by the server"
	if err != nil {
		p.Err += ": " + err.Error()
	}
	s.mu.Unlock()
	s.log.Debug("send not confirmed", zap.String("token", token), zap.Error(err))
	s.notify()
}

func (s *Session) handle(gen uint64, ev event.Event) {
	s.mu.Lock()
	if gen != s.gen || s.state == Closed {
		s.mu.Unlock()
		return
	}
	if s.state == Loading {
		s.buffered = append(s.buffered, ev)
		s.mu.Unlock()
		return
	}
	changed := s.applyLocked(ev)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) apply(ev event.Event) {
	s.mu.Lock()
	changed := s.state != Closed && s.applyLocked(ev)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// applyLocked merges one server event and reports whether anything changed.
func (s *Session) applyLocked(ev event.Event) bool {
	switch ev.Type {
	case event.TypeReceiveMessage, event.TypeMessageSent:
		m := ev.Message
		if m == nil || !m.Involves(s.self, s.peer) {
			return false
		}
		inserted := s.insertLocked(m)
		if ev.Type == event.TypeMessageSent && m.Sender == s.self {
			if s.removePendingLocked(ev.ClientToken) {
				return true
			}
			if inserted {
				s.retireByContentLocked(m)
			}
		}
		return inserted

	case event.TypeMessageDeleted:
		if ev.Sender != "" && ev.Receiver != "" {
			participants := data.Message{Sender: ev.Sender, Receiver: ev.Receiver}
			if !participants.Involves(s.self, s.peer) {
				return false
			}
		}
		for token, w := range s.deletes {
			if w.id == ev.MessageID {
				w.done <- nil
				delete(s.deletes, token)
			}
		}
		if i, ok := s.index[ev.MessageID]; ok {
			m := s.messages[i]
			if m.Deleted {
				return false
			}
			m.Deleted = true
			m.Content = ""
			m.Image = ""
			return true
		}
		s.tombstones[ev.MessageID] = struct{}{}
		return false

	case event.TypeMessagesRead:
		if ev.UserID != s.peer || ev.Receiver != s.self {
			return false
		}
		changed := false
		for _, m := range s.messages {
			if m.Sender == s.self && m.Receiver == s.peer && !m.Read {
				m.Read = true
				changed = true
			}
		}
		return changed

	case event.TypeError:
		if w, ok := s.deletes[ev.ClientToken]; ok && ev.ClientToken != "" {
			w.done <- rejection(ev)
			delete(s.deletes, ev.ClientToken)
			return false
		}
		if p := s.findPendingLocked(ev.ClientToken); p != nil && p.Status == Sending {
			s.stopAckLocked(p.Token)
			p.Status = Failed
			p.Err = ev.Error
			return true
		}
		return false
	}
	return false
}

// rejection turns an error-message into the data error its code stands for.
func rejection(ev event.Event) error {
	var kind error
	switch ev.Code {
	case event.CodeNotFound:
		kind = data.ErrNotFound
	case event.CodeForbidden:
		kind = data.ErrForbidden
	case event.CodeValidation, event.CodeBadRequest:
		kind = data.ErrValidation
	case event.CodePersistence:
		kind = data.ErrPersistence
	case event.CodeRateLimited:
		kind = client.ErrRateLimited
	default:
		kind = ErrRejected
	}
	return fmt.Errorf("%w: %s", kind, ev.Error)
}

// insertLocked adds m unless its id is already present. Late arrivals of
// deleted ids are stored deleted.
func (s *Session) insertLocked(m *data.Message) bool {
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	cp := *m
	if _, dead := s.tombstones[cp.ID]; dead {
		cp.Deleted = true
		cp.Content = ""
		cp.Image = ""
		delete(s.tombstones, cp.ID)
	}

	s.messages = append(s.messages, &cp)
	s.index[cp.ID] = len(s.messages) - 1

	n := len(s.messages)
	if n > 1 && cp.Timestamp.Before(s.messages[n-2].Timestamp) {
		s.sortLocked()
	}
	return true
}

func (s *Session) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
	})
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
}

func (s *Session) findPendingLocked(token string) *Pending {
	if token == "" {
		return nil
	}
	for _, p := range s.pending {
		if p.Token == token {
			return p
		}
	}
	return nil
}

func (s *Session) removePendingLocked(token string) bool {
	if token == "" {
		return false
	}
	for i, p := range s.pending {
		if p.Token == token {
			s.stopAckLocked(token)
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// retireByContentLocked drops the oldest sending entry that matches m, for
// confirmations that arrive without a token.
func (s *Session) retireByContentLocked(m *data.Message) {
	for i, p := range s.pending {
		if p.Status == Sending && p.Content == m.Content && p.Image == m.Image {
			s.stopAckLocked(p.Token)
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
