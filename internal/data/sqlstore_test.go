package data

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLStore(t *testing.T) *SQLMessagesStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewSQLMessagesStore(gdb)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLAppendValidation(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	tests := []struct {
		name             string
		sender, receiver string
		content, image   string
		wantErr          error
	}{
		{"text", "alice", "bob", "hi", "", nil},
		{"image only", "alice", "bob", "", "https://cdn.example/1.png", nil},
		{"whitespace only", "alice", "bob", "  \n\t", "", ErrValidation},
		{"empty", "alice", "bob", "", "", ErrValidation},
		{"missing sender", " ", "bob", "hi", "", ErrValidation},
		{"missing receiver", "alice", "", "hi", "", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := store.Append(ctx, tt.sender, tt.receiver, tt.content, tt.image)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, msg)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.ID)
			assert.False(t, msg.Deleted)
			assert.False(t, msg.Timestamp.IsZero())
		})
	}
}

func TestSQLAppendTrimsContent(t *testing.T) {
	store := newSQLStore(t)

	msg, err := store.Append(context.Background(), " alice ", "bob", "  hello  ", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hello", msg.Content)
}

func TestSQLHistoryOrderAndScope(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 20; i++ {
		sender, receiver := "alice", "bob"
		if i%2 == 1 {
			sender, receiver = "bob", "alice"
		}
		m, err := store.Append(ctx, sender, receiver, fmt.Sprintf("m%02d", i), "")
		require.NoError(t, err)
		want = append(want, m.ID)
	}
	_, err := store.Append(ctx, "alice", "carol", "elsewhere", "")
	require.NoError(t, err)

	history, err := store.History(ctx, "bob", "alice")
	require.NoError(t, err)

	got := make([]string, 0, len(history))
	for _, m := range history {
		assert.True(t, m.Involves("alice", "bob"))
		got = append(got, m.ID)
	}
	assert.Equal(t, want, got)

	empty, err := store.History(ctx, "dave", "erin")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLSoftDelete(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	m, err := store.Append(ctx, "alice", "bob", "secret", "")
	require.NoError(t, err)

	deleted, err := store.SoftDelete(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, m.ID, deleted.ID)

	again, err := store.SoftDelete(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, again.Deleted)

	history, err := store.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Deleted)
	assert.Equal(t, "secret", history[0].Content, "store keeps the original content")
	assert.Empty(t, history[0].Redacted().Content)

	_, err = store.SoftDelete(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLMarkRead(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "bob", "alice", "ping", "")
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, "alice", "bob", "pong", "")
	require.NoError(t, err)

	n, err := store.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = store.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	history, err := store.History(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, m := range history {
		if m.Receiver == "alice" {
			assert.True(t, m.Read)
		} else {
			assert.False(t, m.Read)
		}
	}
}

func TestSQLConversations(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	for _, m := range [][3]string{
		{"bob", "alice", "one"},
		{"carol", "alice", "two"},
		{"bob", "alice", "three"},
		{"alice", "dave", "four"},
	} {
		_, err := store.Append(ctx, m[0], m[1], m[2], "")
		require.NoError(t, err)
	}

	chats, err := store.Conversations(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, chats, 3)

	assert.Equal(t, "dave", chats[0].Partner)
	assert.EqualValues(t, 0, chats[0].Unread)
	assert.Equal(t, "bob", chats[1].Partner)
	assert.Equal(t, "three", chats[1].LastMessage.Content)
	assert.EqualValues(t, 2, chats[1].Unread)
	assert.Equal(t, "carol", chats[2].Partner)

	limited, err := store.Conversations(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "dave", limited[0].Partner)
}

func TestRedacted(t *testing.T) {
	m := &Message{ID: "1", Sender: "a", Receiver: "b", Content: "x", Image: "img", Deleted: true}
	r := m.Redacted()
	assert.Empty(t, r.Content)
	assert.Empty(t, r.Image)
	assert.Equal(t, "x", m.Content, "original is not modified")

	live := &Message{ID: "2", Content: "y"}
	assert.Equal(t, "y", live.Redacted().Content)

	var nilMsg *Message
	assert.Nil(t, nilMsg.Redacted())
}
