// Package client talks to the chat server: a REST client for history and the
// fallback write path, and a WebSocket client for the live channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anvaya/chatrelay/internal/data"
)

var (
	// ErrTransport means the request may not have reached the server: network
	// failure, closed connection or an unexpected server error.
	ErrTransport = errors.New("transport failure")

	// ErrUnauthorized is returned for 401 responses.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned for 429 responses.
	ErrRateLimited = errors.New("rate limited")
)

// REST is a small JSON client for the /api/messages routes.
type REST struct {
	base   string
	token  string
	userID string
	http   *http.Client
}

// NewREST returns a client for baseURL. token is sent as a bearer token and
// userID as X-User-ID (servers without a signing key trust it); either may be empty.
func NewREST(baseURL, token, userID string) *REST {
	return &REST{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		userID: userID,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// History returns the conversation between userA and userB, oldest first.
func (c *REST) History(ctx context.Context, userA, userB string) ([]*data.Message, error) {
	var out []*data.Message
	path := "/api/messages/" + url.PathEscape(userB) + "/" + url.PathEscape(userA)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMessage persists a message through the REST route; the server relays
// it like a live send.
func (c *REST) CreateMessage(ctx context.Context, sender, receiver, content, image string) (*data.Message, error) {
	body := map[string]string{
		"sender":   sender,
		"receiver": receiver,
		"content":  content,
		"image":    image,
	}
	var out data.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage soft deletes a message and returns its redacted record.
func (c *REST) DeleteMessage(ctx context.Context, id string) (*data.Message, error) {
	var out struct {
		Success bool          `json:"success"`
		Message *data.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

// Conversations returns the chats list of userID.
func (c *REST) Conversations(ctx context.Context, userID string, limit int) ([]*data.ConversationSummary, error) {
	path := "/api/messages/logs/" + url.PathEscape(userID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*data.ConversationSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks partner's messages to reader as read.
func (c *REST) MarkRead(ctx context.Context, reader, partner string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	body := map[string]string{"reader": reader, "partner": partner}
	if err := c.do(ctx, http.MethodPost, "/api/messages/read", body, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *REST) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		kind = data.ErrValidation
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	case http.StatusForbidden:
		kind = data.ErrForbidden
	case http.StatusNotFound:
		kind = data.ErrNotFound
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusServiceUnavailable:
		kind = data.ErrPersistence
	default:
		kind = ErrTransport
	}
	return fmt.Errorf("%w: %s", kind, msg)
}
