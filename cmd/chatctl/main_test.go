package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"
	"github.com/anvaya/chatrelay/internal/data"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() { opts = globalOptions{} })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLiveURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", liveURL("http://localhost:8080/"))
	assert.Equal(t, "wss://chat.example/ws", liveURL("https://chat.example"))
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	got := formatMessage(&data.Message{ID: "m1", Sender: "alice", Content: "hi", Image: "img://x", Timestamp: ts, Read: true})
	assert.Contains(t, got, "alice: hi [image img://x]")
	assert.Contains(t, got, "#m1")
	assert.True(t, strings.HasSuffix(got, "✓"))

	got = formatMessage(&data.Message{ID: "m2", Sender: "bob", Content: "secret", Deleted: true, Timestamp: ts})
	assert.Contains(t, got, "bob: (deleted)")
	assert.NotContains(t, got, "secret")

	assert.Empty(t, formatMessage(nil))
}

func TestHistoryAndSendCommands(t *testing.T) {
	var created map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		other := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")[0]
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))
		assert.Equal(t, "bob", other)
		_ = json.NewEncoder(w).Encode([]data.Message{
			{ID: "m1", Sender: "alice", Receiver: "bob", Content: "first"},
			{ID: "m2", Sender: "bob", Receiver: "alice", Deleted: true},
		})
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&created)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(data.Message{ID: "m3", Sender: created["sender"], Receiver: created["receiver"], Content: created["content"]})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := execute(t, "history", "bob", "--server", ts.URL, "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "alice: first")
	assert.Contains(t, out, "bob: (deleted)")

	out, err = execute(t, "send", "bob", "hello there", "--server", ts.URL, "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "#m3")
	assert.Equal(t, "alice", created["sender"])
	assert.Equal(t, "hello there", created["content"])
}

func TestCommandRequiresUser(t *testing.T) {
	_, err := execute(t, "chats", "--user", " ")
	assert.ErrorContains(t, err, "--user is required")
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--user", "alice", "--secret", "s3cret", "--kid", "k1", "--ttl", "1h")
	require.NoError(t, err)

	mgr := auth.NewJWTManagerFromKeys(map[string]string{"k1": "s3cret"}, "k1", time.Hour)
	claims, err := mgr.VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}
