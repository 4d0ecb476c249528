package inbox

import (
	"cmp"
	"slices"
	"time"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

type indexEntry struct {
	conv chat.Conversation
	seq  uint64
}

type appliedMessage struct {
	conversationID string
	at             time.Time
}

// Index is the viewer's conversation list, kept sorted newest first by
// lastMessage.createdAt, falling back to updatedAt, with ties in insertion order.
//
// Index performs no I/O and is not safe for concurrent use.
type Index struct {
	viewerID string
	active   string
	entries  []indexEntry
	nextSeq  uint64
	applied  map[string]appliedMessage

	now func() time.Time
}

// NewIndex creates an empty index for viewerID.
func NewIndex(viewerID string) *Index {
	return &Index{
		viewerID: viewerID,
		applied:  make(map[string]appliedMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyHistory merges a hydration snapshot. Conversations already known keep
// their list position seed; if a live echo made the local copy newer than the
// snapshot, the local last message and unread count win. Delivery records older
// than a snapshot conversation's latest activity are forgotten.
func (x *Index) ApplyHistory(conversations []chat.Conversation) {
	refreshed := make(map[string]struct{}, len(conversations))
	for _, c := range conversations {
		if c.ID == "" {
			continue
		}
		refreshed[c.ID] = struct{}{}
		if c.UnreadCount < 0 || c.ID == x.active {
			c.UnreadCount = 0
		}
		if c.LastMessage != nil && c.LastMessage.ID != "" {
			x.applied[c.LastMessage.ID] = appliedMessage{conversationID: c.ID, at: c.LastMessage.CreatedAt}
		}

		i := x.find(c.ID)
		if i < 0 {
			x.entries = append(x.entries, indexEntry{conv: c, seq: x.seq()})
			continue
		}

		local := x.entries[i].conv
		if local.OrderingKey().After(c.OrderingKey()) {
			c.LastMessage = local.LastMessage
			c.UpdatedAt = local.UpdatedAt
			c.UnreadCount = local.UnreadCount
		}
		if len(c.Participants) == 0 {
			c.Participants = local.Participants
		}
		x.entries[i].conv = c
	}
	x.prune(refreshed)
	x.sort()
}

func (x *Index) prune(refreshed map[string]struct{}) {
	for id, a := range x.applied {
		if _, ok := refreshed[a.conversationID]; !ok {
			continue
		}
		if i := x.find(a.conversationID); i >= 0 && a.at.Before(x.entries[i].conv.OrderingKey()) {
			delete(x.applied, id)
		}
	}
}

// ApplyEcho records an authoritative message as its conversation's latest
// activity and counts it as unread unless the viewer sent it or the conversation
// is active. Redelivered messages are ignored.
func (x *Index) ApplyEcho(msg chat.Message) {
	if msg.ConversationID == "" {
		return
	}
	if msg.ID != "" {
		if _, seen := x.applied[msg.ID]; seen {
			return
		}
	}

	i := x.find(msg.ConversationID)
	if i < 0 {
		conv := chat.Conversation{ID: msg.ConversationID}
		if msg.Sender != nil {
			conv.Participants = []chat.Participant{*msg.Sender}
		}
		x.entries = append(x.entries, indexEntry{conv: conv, seq: x.seq()})
		i = len(x.entries) - 1
	}

	conv := &x.entries[i].conv
	updatedAt := msg.CreatedAt
	if updatedAt.IsZero() {
		updatedAt = x.now()
	}
	if msg.ID != "" {
		x.applied[msg.ID] = appliedMessage{conversationID: msg.ConversationID, at: updatedAt}
	}
	// a late, older delivery must not roll the conversation back in time
	if conv.LastMessage == nil || !updatedAt.Before(conv.OrderingKey()) {
		m := msg
		conv.LastMessage = &m
		conv.UpdatedAt = updatedAt
	}
	if msg.ConversationID != x.active && chat.ResolveSenderID(msg, x.viewerID) != x.viewerID {
		conv.UnreadCount++
	}
	x.sort()
}

// MarkActive makes conversationID the displayed conversation and clears its
// unread counter.
func (x *Index) MarkActive(conversationID string) {
	x.active = conversationID
	if i := x.find(conversationID); i >= 0 {
		x.entries[i].conv.UnreadCount = 0
	}
}

// Active returns the displayed conversation id.
func (x *Index) Active() string {
	return x.active
}

// Conversations returns the ordered list.
func (x *Index) Conversations() []chat.Conversation {
	out := make([]chat.Conversation, len(x.entries))
	for i, e := range x.entries {
		out[i] = e.conv
	}
	return out
}

// Get returns a conversation by id.
func (x *Index) Get(conversationID string) (chat.Conversation, bool) {
	if i := x.find(conversationID); i >= 0 {
		return x.entries[i].conv, true
	}
	return chat.Conversation{}, false
}

// Unread returns the unread counter of conversationID.
func (x *Index) Unread(conversationID string) int {
	if i := x.find(conversationID); i >= 0 {
		return x.entries[i].conv.UnreadCount
	}
	return 0
}

func (x *Index) find(conversationID string) int {
	for i, e := range x.entries {
		if e.conv.ID == conversationID {
			return i
		}
	}
	return -1
}

func (x *Index) seq() uint64 {
	x.nextSeq++
	return x.nextSeq
}

func (x *Index) sort() {
	slices.SortFunc(x.entries, func(a, b indexEntry) int {
		if c := b.conv.OrderingKey().Compare(a.conv.OrderingKey()); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
