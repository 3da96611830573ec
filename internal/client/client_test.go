package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/event"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTCreateSendsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bob", body["receiver"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(data.Message{ID: "m1", Sender: "alice", Receiver: "bob", Content: body["content"]})
	}))
	defer srv.Close()

	c := NewREST(srv.URL+"/", "tkn", "alice")
	msg, err := c.CreateMessage(context.Background(), "alice", "bob", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "hi", msg.Content)
}

func TestRESTStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, data.ErrValidation},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, data.ErrForbidden},
		{http.StatusNotFound, data.ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusServiceUnavailable, data.ErrPersistence},
		{http.StatusBadGateway, ErrTransport},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewREST(srv.URL, "", "").DeleteMessage(context.Background(), "x")
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestRESTUnreachableIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewREST(url, "", "").History(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestRESTHistoryAndConversationsPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/messages/bob/alice":
			_, _ = w.Write([]byte(`[{"id":"1","sender":"alice","receiver":"bob","content":"x"}]`))
		case r.URL.Path == "/api/messages/logs/alice" && r.URL.Query().Get("limit") == "5":
			_, _ = w.Write([]byte(`[{"partner":"bob","unread":2}]`))
		case r.URL.Path == "/api/messages/read":
			_, _ = w.Write([]byte(`{"updated":3}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewREST(srv.URL, "", "")
	ctx := context.Background()

	history, err := c.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)

	chats, err := c.Conversations(ctx, "alice", 5)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.EqualValues(t, 2, chats[0].Unread)

	n, err := c.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

// echoServer upgrades and answers every join with joined.
func echoServer(t *testing.T, gotToken chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var ev event.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Type == event.TypeJoin {
				_ = conn.WriteJSON(event.Joined(ev.UserID))
			}
		}
	}))
}

func TestLiveJoinAndSubscribe(t *testing.T) {
	tokens := make(chan string, 1)
	srv := echoServer(t, tokens)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	l, err := DialLive(context.Background(), wsURL, "tkn", nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, "tkn", <-tokens)

	got := make(chan event.Event, 1)
	unsubscribe := l.Subscribe(func(ev event.Event) { got <- ev })
	defer unsubscribe()

	require.NoError(t, l.Join(context.Background(), "alice"))
	select {
	case ev := <-got:
		assert.Equal(t, event.TypeJoined, ev.Type)
		assert.Equal(t, "alice", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no joined event")
	}
}

func TestLiveSendAfterCloseIsTransport(t *testing.T) {
	tokens := make(chan string, 1)
	srv := echoServer(t, tokens)
	defer srv.Close()

	l, err := DialLive(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err = l.Send(context.Background(), event.Event{Type: event.TypeJoin})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestDialLiveUnreachable(t *testing.T) {
	_, err := DialLive(context.Background(), "ws://127.0.0.1:1/ws", "", nil)
	assert.ErrorIs(t, err, ErrTransport)
}
