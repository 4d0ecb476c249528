package chat

import "strings"

// Participant is an immutable snapshot of a user as referenced by a message or
// conversation.
type Participant struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Username  string `json:"username,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// DisplayName picks "First Last" when either part is set, then the username,
// then the id.
func (p Participant) DisplayName() string {
	if name := strings.TrimSpace(p.FirstName + " " + p.LastName); name != "" {
		return name
	}
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}
