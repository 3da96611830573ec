package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"
	"github.com/anvaya/chatrelay/internal/event"
	"github.com/anvaya/chatrelay/internal/rpc/chatv1"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeStream implements the subset of the bidirectional stream used by
// ChatStream. Frames pushed to in are returned by Recv; closing in yields
// io.EOF. Sent frames are decoded onto out.
type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
	in  chan *structpb.Struct
	out chan event.Event
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, in: make(chan *structpb.Struct, 8), out: make(chan event.Event, 16)}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Recv() (*structpb.Struct, error) {
	frame, ok := <-f.in
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (f *fakeStream) Send(s *structpb.Struct) error {
	ev, err := chatv1.StructToEvent(s)
	if err != nil {
		return err
	}
	f.out <- ev
	return nil
}

func (f *fakeStream) push(t *testing.T, ev event.Event) {
	t.Helper()
	frame, err := chatv1.EventToStruct(ev)
	if err != nil {
		t.Fatalf("EventToStruct: %v", err)
	}
	f.in <- frame
}

func (f *fakeStream) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-f.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an event")
		return event.Event{}
	}
}

// historyStream collects GetHistory frames.
type historyStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent []*structpb.Struct
}

func (h *historyStream) Context() context.Context { return h.ctx }

func (h *historyStream) Send(s *structpb.Struct) error {
	h.sent = append(h.sent, s)
	return nil
}

func TestChatStreamJoinSendAndReceive(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	alice := newFakeStream(context.Background())
	bob := newFakeStream(context.Background())

	var wg sync.WaitGroup
	for _, s := range []*fakeStream{alice, bob} {
		wg.Add(1)
		go func(s *fakeStream) {
			defer wg.Done()
			if err := srv.ChatStream(s); err != nil {
				t.Errorf("ChatStream returned error: %v", err)
			}
		}(s)
	}

	alice.push(t, event.Event{Type: event.TypeJoin, UserID: "alice"})
	if ev := alice.next(t); ev.Type != event.TypeJoined || ev.UserID != "alice" {
		t.Fatalf("expected joined for alice, got %+v", ev)
	}
	bob.push(t, event.Event{Type: event.TypeJoin, UserID: "bob"})
	if ev := bob.next(t); ev.Type != event.TypeJoined {
		t.Fatalf("expected joined for bob, got %+v", ev)
	}

	alice.push(t, event.Event{Type: event.TypeSendMessage, Sender: "alice", Receiver: "bob", Content: "hello", ClientToken: "tok-1"})

	sent := alice.next(t)
	if sent.Type != event.TypeMessageSent || sent.ClientToken != "tok-1" || sent.Message == nil {
		t.Fatalf("expected message-sent with token, got %+v", sent)
	}
	got := bob.next(t)
	if got.Type != event.TypeReceiveMessage || got.Message == nil || got.Message.Content != "hello" {
		t.Fatalf("expected receive-message for bob, got %+v", got)
	}
	if got.Message.ID != sent.Message.ID {
		t.Fatalf("sender and receiver saw different ids: %q vs %q", sent.Message.ID, got.Message.ID)
	}

	close(alice.in)
	close(bob.in)
	wg.Wait()

	if n := srv.presence.Online(); n != 0 {
		t.Fatalf("expected no users online after disconnect, got %d", n)
	}
}

func TestChatStreamRejectsUnknownEvent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	s := newFakeStream(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ChatStream(s) }()

	s.push(t, event.Event{Type: "shout"})
	ev := s.next(t)
	if ev.Type != event.TypeError || ev.Code != event.CodeBadRequest {
		t.Fatalf("expected bad_request error event, got %+v", ev)
	}

	close(s.in)
	if err := <-done; err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
}

func TestChatStreamIdentityMismatch(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := auth.NewContext(context.Background(), "alice")
	s := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- srv.ChatStream(s) }()

	s.push(t, event.Event{Type: event.TypeSendMessage, Sender: "mallory", Receiver: "bob", Content: "hi", ClientToken: "t"})
	ev := s.next(t)
	if ev.Type != event.TypeError || ev.Code != event.CodeForbidden || ev.ClientToken != "t" {
		t.Fatalf("expected forbidden error event, got %+v", ev)
	}

	close(s.in)
	<-done

	msgs, err := store.History(context.Background(), "mallory", "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("forged send must not persist, got %d messages", len(msgs))
	}
}

func TestGetHistoryRedactsDeleted(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	first, err := store.Append(ctx, "alice", "bob", "first", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.Append(ctx, "bob", "alice", "second", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.SoftDelete(ctx, first.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	req, err := chatv1.NewHistoryRequest("alice", "bob")
	if err != nil {
		t.Fatalf("NewHistoryRequest: %v", err)
	}
	hs := &historyStream{ctx: auth.NewContext(ctx, "bob")}
	if err := srv.GetHistory(req, hs); err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(hs.sent) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(hs.sent))
	}

	m0, err := chatv1.StructToMessage(hs.sent[0])
	if err != nil {
		t.Fatalf("StructToMessage: %v", err)
	}
	if !m0.Deleted || m0.Content != "" || m0.ID != first.ID {
		t.Fatalf("expected redacted deleted message first, got %+v", m0)
	}
	m1, _ := chatv1.StructToMessage(hs.sent[1])
	if m1.Content != "second" {
		t.Fatalf("expected second message content, got %q", m1.Content)
	}
}

func TestGetHistoryRequiresParticipant(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, _ := chatv1.NewHistoryRequest("alice", "bob")
	hs := &historyStream{ctx: auth.NewContext(context.Background(), "carol")}

	err := srv.GetHistory(req, hs)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestGetHistoryMissingUsers(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, _ := chatv1.NewHistoryRequest("alice", "")
	err := srv.GetHistory(req, &historyStream{ctx: context.Background()})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
