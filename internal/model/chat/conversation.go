package chat

import "time"

// Conversation is a direct-message thread between a small fixed set of participants.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	UnreadCount  int           `json:"unreadCount"`
}

// OrderingKey is the timestamp the conversation list is sorted by.
func (c Conversation) OrderingKey() time.Time {
	if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// HasParticipant reports whether id takes part in the conversation.
func (c Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Counterpart returns the first participant that is not viewerID.
func (c Conversation) Counterpart(viewerID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != viewerID {
			return p, true
		}
	}
	return Participant{}, false
}
