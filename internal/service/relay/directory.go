package relay

import (
	"sync"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

// Directory resolves participant ids to profiles.
type Directory struct {
	mu    sync.RWMutex
	items []chat.Participant
}

// NewDirectory returns a Directory preloaded with the supplied participants.
func NewDirectory(items []chat.Participant) *Directory {
	return &Directory{items: append([]chat.Participant(nil), items...)}
}

// List returns every known participant.
func (d *Directory) List() []chat.Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]chat.Participant(nil), d.items...)
}

// FindByID looks up a participant by identifier.
func (d *Directory) FindByID(id string) (chat.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, item := range d.items {
		if item.ID == id {
			return item, true
		}
	}
	return chat.Participant{}, false
}

// Ensure returns the profile for id, registering a bare one for ids authenticated
// but never seen before.
func (d *Directory) Ensure(id string) chat.Participant {
	if p, ok := d.FindByID(id); ok {
		return p
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range d.items {
		if item.ID == id {
			return item
		}
	}
	p := chat.Participant{ID: id, Username: id}
	d.items = append(d.items, p)
	return p
}

// Seed provides demo marketplace accounts for local development.
func Seed() []chat.Participant {
	return []chat.Participant{
		{ID: "alice", FirstName: "Alice", LastName: "Moreau", Username: "alice", Avatar: "/avatars/alice.png"},
		{ID: "bob", FirstName: "Bob", LastName: "Tanaka", Username: "bobt", Avatar: "/avatars/bob.png"},
		{ID: "carol", Username: "carol_sells"},
	}
}
