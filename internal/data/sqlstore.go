package data

import (
	"context"
	"errors"
	"sort"

	"github.com/anvaya/chatrelay/internal/normalize"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SQLMessagesStore implements the message store on a relational database
// through GORM (postgres in production, sqlite for local runs and tests).
type SQLMessagesStore struct {
	db *gorm.DB
}

// NewSQLMessagesStore returns a store bound to db. Call Migrate once at startup.
func NewSQLMessagesStore(db *gorm.DB) *SQLMessagesStore {
	return &SQLMessagesStore{db: db}
}

// Migrate creates or updates the messages table and its indexes.
func (s *SQLMessagesStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&messageRow{}); err != nil {
		return persistenceErr("migrate", err)
	}
	return nil
}

// Append validates and inserts a new message row.
func (s *SQLMessagesStore) Append(ctx context.Context, sender, receiver, content, image string) (*Message, error) {
	msg, err := newDraft(sender, receiver, content, image)
	if err != nil {
		return nil, err
	}

	// v7 ids are time ordered, so they also break timestamp ties in insertion order
	id, err := uuid.NewV7()
	if err != nil {
		return nil, persistenceErr("generate id", err)
	}
	msg.ID = id.String()

	row := &messageRow{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Content:   msg.Content,
		Image:     msg.Image,
		Timestamp: msg.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, persistenceErr("insert message", err)
	}
	return msg, nil
}

// History returns every message between two users in both directions, soft
// deleted ones included, ordered oldest to newest.
func (s *SQLMessagesStore) History(ctx context.Context, userA, userB string) ([]*Message, error) {
	a := normalize.UserID(userA)
	b := normalize.UserID(userB)

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("(sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)", a, b, b, a).
		Order("sent_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, persistenceErr("find history", err)
	}

	out := make([]*Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMessage())
	}
	return out, nil
}

// Get returns a single message by id.
func (s *SQLMessagesStore) Get(ctx context.Context, id string) (*Message, error) {
	row, err := s.find(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return row.toMessage(), nil
}

// SoftDelete marks a message deleted. It is idempotent.
func (s *SQLMessagesStore) SoftDelete(ctx context.Context, id string) (*Message, error) {
	var out *Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, id)
		if err != nil {
			return err
		}
		if !row.Deleted {
			if err := tx.Model(row).Update("is_deleted", true).Error; err != nil {
				return persistenceErr("soft delete message", err)
			}
			row.Deleted = true
		}
		out = row.toMessage()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flags every unread message from partner to reader as read.
func (s *SQLMessagesStore) MarkRead(ctx context.Context, reader, partner string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("sender = ? AND receiver = ? AND is_read = ?", normalize.UserID(partner), normalize.UserID(reader), false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, persistenceErr("mark read", res.Error)
	}
	return res.RowsAffected, nil
}

// Conversations returns the user's chat partners, most recent first. The rows
// are folded in memory; a user's message count is small enough for that.
func (s *SQLMessagesStore) Conversations(ctx context.Context, userID string, limit int64) ([]*ConversationSummary, error) {
	user := normalize.UserID(userID)

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("sender = ? OR receiver = ?", user, user).
		Order("sent_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, persistenceErr("find conversations", err)
	}

	byPartner := make(map[string]*ConversationSummary)
	for i := range rows {
		r := &rows[i]
		partner := r.Sender
		if r.Sender == user {
			partner = r.Receiver
		}
		sum, ok := byPartner[partner]
		if !ok {
			sum = &ConversationSummary{Partner: partner}
			byPartner[partner] = sum
		}
		sum.LastMessage = r.toMessage()
		if r.Receiver == user && !r.Read {
			sum.Unread++
		}
	}

	out := make([]*ConversationSummary, 0, len(byPartner))
	for _, sum := range byPartner {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessage.Timestamp, out[j].LastMessage.Timestamp
		if ti.Equal(tj) {
			return out[i].LastMessage.ID > out[j].LastMessage.ID
		}
		return ti.After(tj)
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLMessagesStore) find(tx *gorm.DB, id string) (*messageRow, error) {
	var row messageRow
	err := tx.Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistenceErr("find message", err)
	}
	return &row, nil
}
