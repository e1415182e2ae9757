package models

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates realtime frames exchanged with clients.
type FrameType string

const (
	FrameMessage   FrameType = "message"
	FrameAck       FrameType = "ack"
	FramePresence  FrameType = "presence"
	FrameHeartbeat FrameType = "heartbeat"
	FrameError     FrameType = "error"
)

// Frame is the unit written to and read from a realtime connection.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// OnWritten runs after the frame reached the transport. It is never serialised.
	OnWritten func() `json:"-"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType FrameType, id string, payload any) (*Frame, error) {
	frame := &Frame{Type: frameType, ID: id}
	if payload == nil {
		return frame, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	frame.Payload = raw
	return frame, nil
}

// Decode unmarshals the payload into target.
func (f *Frame) Decode(target any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, target); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// PostPayload is the body of an inbound message frame and of the REST post.
type PostPayload struct {
	ConversationID string           `json:"conversationId,omitempty"`
	Body           string           `json:"body"`
	MediaRefs      []MediaReference `json:"mediaRefs,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
}

// AckPayload flows both ways: clients acknowledge reads, the server confirms commits.
type AckPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	UpToSequence   int64  `json:"upToSequence"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type PresencePayload struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

// PresenceQuery asks for the presence of a set of users.
type PresenceQuery struct {
	UserIDs []string `json:"userIds"`
}

type PresenceSnapshot struct {
	Users []PresencePayload `json:"users"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
