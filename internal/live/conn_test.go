package live

import (
	"errors"
	"testing"

	"github.com/anvaya/chatrelay/internal/event"
)

func TestConnSendAndDrain(t *testing.T) {
	c := NewConn(2)

	if err := c.Send(event.Joined("alice")); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := c.Send(event.Joined("alice")); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if err := c.Send(event.Joined("alice")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	ev := <-c.Outbound()
	if ev.Type != event.TypeJoined {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := c.Send(event.Joined("alice")); err != nil {
		t.Fatalf("send after drain failed: %v", err)
	}
}

func TestConnClose(t *testing.T) {
	c := NewConn(0)
	c.Close()
	c.Close() // idempotent

	select {
	case <-c.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
	if err := c.Send(event.Joined("bob")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConnIDsAreUnique(t *testing.T) {
	if NewConn(1).ID == NewConn(1).ID {
		t.Fatalf("expected distinct connection ids")
	}
}
