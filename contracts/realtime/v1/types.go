// Package v1 defines the Pawfect realtime protocol v1 contract.
//
// It is shared by the websocket gateway, the room hub and the smoke client so the
// wire format has exactly one definition.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the protocol version identifier. Envelopes may omit it.
const Version = "v1"

// Event names (wire-stable).
const (
	// EventJoinConversation subscribes the connection to a conversation room (client -> server).
	EventJoinConversation = "join_conversation"
	// EventJoinedConversation confirms a join (server -> client).
	EventJoinedConversation = "joined_conversation"
	// EventLeaveConversation unsubscribes the connection from a room (client -> server).
	EventLeaveConversation = "leave_conversation"

	// EventTyping and EventStopTyping are relayed to the room, excluding the originator.
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"

	// EventNewMessage carries a persisted message row (server -> room).
	EventNewMessage = "new_message"
	// EventMessagesRead announces a read receipt (server -> room).
	EventMessagesRead = "messages_read"

	// EventError is a generic error envelope (server -> client).
	EventError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v,omitempty"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if e.V != "" && e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case EventJoinConversation,
		EventLeaveConversation,
		EventTyping,
		EventStopTyping:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ConversationID is a conversation identifier that accepts both JSON numbers and numeric
// strings on input and always encodes as a number.
type ConversationID int64

// UnmarshalJSON implements json.Unmarshaler.
func (c *ConversationID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return errors.New("conversation id is required")
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid conversation id: %s", string(b))
	}
	*c = ConversationID(n)
	return nil
}

// ---- Payloads ----

// JoinConversationPayload names the room to join. On the wire it is either the bare
// conversation id or an object {"conversationId": id}.
type JoinConversationPayload struct {
	ConversationID ConversationID `json:"conversationId"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *JoinConversationPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ConversationID *ConversationID `json:"conversationId"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if obj.ConversationID == nil {
			return errors.New("conversation id is required")
		}
		p.ConversationID = *obj.ConversationID
		return nil
	}
	return p.ConversationID.UnmarshalJSON(b)
}

// TypingPayload is used by typing and stop_typing in both directions.
type TypingPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	SenderRole     string         `json:"sender_role"`
}

// MessagesReadPayload is broadcast after a successful mark-read.
type MessagesReadPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	ReaderID       int64          `json:"reader_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
