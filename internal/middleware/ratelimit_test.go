package middleware

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestLimiterStore_AllowAndCleanup(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, 100*time.Millisecond)
	defer s.Stop()

	key := "user:alice"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}
	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}
	if !s.Allow("user:bob") {
		t.Fatalf("other keys have their own budget")
	}

	s.evictIdle(time.Now().Add(time.Minute))
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected idle entries to be evicted, %d left", n)
	}
}

func TestLimiterStore_NilAllows(t *testing.T) {
	var s *LimiterStore
	if !s.Allow("anything") {
		t.Fatalf("nil store should allow")
	}
}

func TestLimiterStore_StopTwice(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Second)
	s.Stop()
	s.Stop()
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f fakeStream) Context() context.Context { return f.ctx }

func TestRateLimitStreamInterceptor(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()

	method := "/chat.v1.ChatService/ChatStream"
	ic := RateLimitStreamInterceptor(s, map[string]bool{method: true})
	ok := func(interface{}, grpc.ServerStream) error { return nil }
	info := &grpc.StreamServerInfo{FullMethod: method}

	ctx := auth.NewContext(context.Background(), "alice")
	ctx = peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}})
	ss := fakeStream{ctx: ctx}

	if err := ic(nil, ss, info, ok); err != nil {
		t.Fatalf("first stream should pass: %v", err)
	}
	err := ic(nil, ss, info, ok)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	// methods outside the list are never limited
	other := &grpc.StreamServerInfo{FullMethod: "/chat.v1.ChatService/GetHistory"}
	if err := ic(nil, ss, other, ok); err != nil {
		t.Fatalf("unlisted method should pass: %v", err)
	}
}
