package chatv1

import (
	"encoding/json"
	"fmt"

	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/event"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// HistoryRequest is the GetHistory request body.
type HistoryRequest struct {
	UserA string `json:"userA"`
	UserB string `json:"userB"`
}

// EventToStruct encodes ev as a Struct frame.
func EventToStruct(ev event.Event) (*structpb.Struct, error) {
	return toStruct(ev)
}

// StructToEvent decodes a Struct frame into an event.
func StructToEvent(s *structpb.Struct) (event.Event, error) {
	var ev event.Event
	err := fromStruct(s, &ev)
	return ev, err
}

// MessageToStruct encodes a message for GetHistory.
func MessageToStruct(m *data.Message) (*structpb.Struct, error) {
	return toStruct(m)
}

// StructToMessage decodes a GetHistory frame.
func StructToMessage(s *structpb.Struct) (*data.Message, error) {
	var m data.Message
	if err := fromStruct(s, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewHistoryRequest builds a GetHistory request.
func NewHistoryRequest(userA, userB string) (*structpb.Struct, error) {
	return toStruct(HistoryRequest{UserA: userA, UserB: userB})
}

// ParseHistoryRequest reads a GetHistory request.
func ParseHistoryRequest(s *structpb.Struct) (HistoryRequest, error) {
	var req HistoryRequest
	err := fromStruct(s, &req)
	return req, err
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("decode frame: empty frame")
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
