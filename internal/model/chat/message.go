package chat

import (
	"strings"
	"time"
)

// SpeculativePrefix marks ids generated locally before the server confirms a message.
const SpeculativePrefix = "temp-"

// Attachment is the lightweight product summary a message may carry.
type Attachment struct {
	ProductID string `json:"productId"`
	Title     string `json:"title,omitempty"`
	Price     string `json:"price,omitempty"`
	Image     string `json:"image,omitempty"`
}

// Message is a single direct-message entry. The sender may arrive as an embedded
// participant, a bare SenderID, or only implied through ReceiverID; use
// ResolveSenderID rather than reading these fields directly.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         *Participant `json:"sender,omitempty"`
	SenderID       string       `json:"senderId,omitempty"`
	ReceiverID     string       `json:"receiver,omitempty"`
	Content        string       `json:"content"`
	Attachment     *Attachment  `json:"product,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// IsSpeculativeID reports whether id was generated locally and is still unconfirmed.
func IsSpeculativeID(id string) bool {
	return strings.HasPrefix(id, SpeculativePrefix)
}

// Speculative reports whether the message is still awaiting server confirmation.
func (m Message) Speculative() bool {
	return IsSpeculativeID(m.ID)
}

// ResolveSenderID returns the sender of m as seen by viewerID.
//
// Precedence: the embedded sender's id, then the senderId field, then the viewer
// itself when the receiver field names somebody else. An empty result means the
// sender could not be resolved.
func ResolveSenderID(m Message, viewerID string) string {
	if m.Sender != nil && m.Sender.ID != "" {
		return m.Sender.ID
	}
	if m.SenderID != "" {
		return m.SenderID
	}
	if m.ReceiverID != "" && viewerID != "" && m.ReceiverID != viewerID {
		return viewerID
	}
	return ""
}
