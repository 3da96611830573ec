package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/anvaya/chatrelay/internal/normalize"
)

var (
	// ErrValidation is returned when a send request has no content and no image,
	// or is missing a participant.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when an operation targets a message id that does not exist.
	ErrNotFound = errors.New("message not found")

	// ErrPersistence wraps failures of the underlying database.
	ErrPersistence = errors.New("message store unavailable")

	// ErrForbidden is returned when a caller acts on a message or conversation it does not own.
	ErrForbidden = errors.New("forbidden")
)

// newDraft validates and normalizes the fields of a message about to be
// appended. It is shared by every store so validation is identical across drivers.
func newDraft(sender, receiver, content, image string) (*Message, error) {
	msg := &Message{
		Sender:   normalize.UserID(sender),
		Receiver: normalize.UserID(receiver),
		Content:  normalize.Content(content),
		Image:    image,
		// Mongo keeps millisecond precision; truncate so the returned copy
		// matches what a later read produces.
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	if msg.Sender == "" || msg.Receiver == "" {
		return nil, fmt.Errorf("%w: sender and receiver are required", ErrValidation)
	}
	if msg.Content == "" && msg.Image == "" {
		return nil, fmt.Errorf("%w: message must have content or image", ErrValidation)
	}
	return msg, nil
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
