// Package event defines the envelope exchanged on the live channel. The same
// JSON shape travels over WebSocket frames and gRPC Struct frames.
package event

import (
	"errors"

	"github.com/anvaya/chatrelay/internal/data"
)

// Client to server.
const (
	TypeJoin          = "join"
	TypeSendMessage   = "send-message"
	TypeDeleteMessage = "delete-message"
	TypeMarkRead      = "mark-read"
)

// Server to client.
const (
	TypeJoined         = "joined"
	TypeReceiveMessage = "receive-message"
	TypeMessageSent    = "message-sent"
	TypeMessageDeleted = "message-deleted"
	TypeMessagesRead   = "messages-read"
	TypeError          = "error-message"
)

// Error codes carried by error-message events.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodePersistence = "persistence"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
)

// Event is the live channel envelope. Which fields are set depends on Type.
type Event struct {
	Type        string        `json:"type"`
	UserID      string        `json:"userId,omitempty"`
	Sender      string        `json:"sender,omitempty"`
	Receiver    string        `json:"receiver,omitempty"`
	Content     string        `json:"content,omitempty"`
	Image       string        `json:"image,omitempty"`
	MessageID   string        `json:"messageId,omitempty"`
	ClientToken string        `json:"clientToken,omitempty"`
	Message     *data.Message `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	Code        string        `json:"code,omitempty"`
}

// Joined acknowledges a join.
func Joined(userID string) Event {
	return Event{Type: TypeJoined, UserID: userID}
}

// Received is delivered to the receiver of a new message.
func Received(m *data.Message) Event {
	return Event{Type: TypeReceiveMessage, Message: m.Redacted()}
}

// Sent confirms a new message to its sender, echoing the client's token.
func Sent(m *data.Message, clientToken string) Event {
	return Event{Type: TypeMessageSent, Message: m.Redacted(), ClientToken: clientToken}
}

// Deleted notifies both participants that a message was soft deleted.
func Deleted(m *data.Message) Event {
	return Event{Type: TypeMessageDeleted, MessageID: m.ID, Sender: m.Sender, Receiver: m.Receiver}
}

// Read tells partner that reader has read the messages partner sent.
func Read(reader, partner string) Event {
	return Event{Type: TypeMessagesRead, UserID: reader, Receiver: partner}
}

// Failure reports a failed request back to the connection that made it.
func Failure(code, msg, clientToken string) Event {
	return Event{Type: TypeError, Code: code, Error: msg, ClientToken: clientToken}
}

// CodeFor maps a store or relay error to its error code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, data.ErrValidation):
		return CodeValidation
	case errors.Is(err, data.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, data.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, data.ErrPersistence):
		return CodePersistence
	default:
		return CodeBadRequest
	}
}

// FailureFor builds an error event for err. Persistence failures get a generic
// message so driver details never reach clients.
func FailureFor(err error, clientToken string) Event {
	code := CodeFor(err)
	msg := err.Error()
	if code == CodePersistence {
		msg = "failed to save message, try again"
	}
	return Failure(code, msg, clientToken)
}
