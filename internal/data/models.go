package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Message is a single chat message between two users. The same shape is stored
// by every store implementation and sent to clients (after Redacted).
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content,omitempty"`
	Image     string    `json:"image,omitempty"` // reference supplied by the upload collaborator
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Deleted   bool      `json:"deleted"`
}

// Redacted returns a copy safe to hand to a client. Deleted messages keep their
// identity, participants and timestamp so the conversation shape is preserved,
// but content and image are blanked.
func (m *Message) Redacted() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if out.Deleted {
		out.Content = ""
		out.Image = ""
	}
	return &out
}

// Involves reports whether the message belongs to the conversation {a, b}.
func (m *Message) Involves(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// ConversationSummary is one row of a user's chat list.
type ConversationSummary struct {
	Partner     string   `json:"partner"`
	LastMessage *Message `json:"lastMessage"`
	Unread      int64    `json:"unread"`
}

// RedactAll applies Redacted to every element.
func RedactAll(msgs []*Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Redacted())
	}
	return out
}

// messageDoc maps to the messages collection in MongoDB.
type messageDoc struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Sender    string        `bson:"sender"`
	Receiver  string        `bson:"receiver"`
	Content   string        `bson:"content"`
	Image     string        `bson:"image,omitempty"`
	Timestamp time.Time     `bson:"timestamp"`
	Read      bool          `bson:"read"`
	Deleted   bool          `bson:"deleted"`
}

func toDoc(m *Message) *messageDoc {
	return &messageDoc{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Image:     m.Image,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		Deleted:   m.Deleted,
	}
}

func (d *messageDoc) toMessage() *Message {
	return &Message{
		ID:        d.ID.Hex(),
		Sender:    d.Sender,
		Receiver:  d.Receiver,
		Content:   d.Content,
		Image:     d.Image,
		Timestamp: d.Timestamp.UTC(),
		Read:      d.Read,
		Deleted:   d.Deleted,
	}
}

// messageRow maps to the messages table for the SQL store.
type messageRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Sender    string    `gorm:"not null;index:idx_messages_pair,priority:1"`
	Receiver  string    `gorm:"not null;index:idx_messages_pair,priority:2;index:idx_messages_receiver"`
	Content   string    `gorm:"type:text"`
	Image     string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"column:sent_at;not null;index:idx_messages_pair,priority:3"`
	Read      bool      `gorm:"column:is_read;not null;default:false"`
	Deleted   bool      `gorm:"column:is_deleted;not null;default:false"`
}

func (messageRow) TableName() string { return "messages" }

func (r *messageRow) toMessage() *Message {
	return &Message{
		ID:        r.ID,
		Sender:    r.Sender,
		Receiver:  r.Receiver,
		Content:   r.Content,
		Image:     r.Image,
		Timestamp: r.Timestamp.UTC(),
		Read:      r.Read,
		Deleted:   r.Deleted,
	}
}
