// Package channel defines the frames exchanged over the push channel.
package channel

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

// Frame types.
const (
	TypeAnnouncePresence = "announce_presence"
	TypeJoinRoom         = "join_room"
	TypeAck              = "ack"
	TypeMessageEvent     = "message_event"
)

// Envelope wraps every frame. Seq correlates a request with its ack and is zero
// for frames that expect none.
type Envelope struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Presence announces which viewer owns the connection.
type Presence struct {
	ViewerID string `json:"viewerId"`
}

// JoinRoom asks the far end to subscribe the connection to a conversation.
type JoinRoom struct {
	ConversationID string `json:"conversationId"`
}

// Ack answers a request frame carrying the same Seq.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// MessageEvent carries an authoritative message pushed by the far end.
type MessageEvent struct {
	Message chat.Message `json:"message"`
}

// NewEnvelope encodes payload into a frame of the given type.
func NewEnvelope(typ string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Type: typ, Seq: seq}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the frame payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", e.Type, err)
	}
	return nil
}
