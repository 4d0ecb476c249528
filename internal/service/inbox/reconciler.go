package inbox

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

var (
	// ErrSendFailed wraps the reason a submission was rejected. The speculative
	// entry has already been rolled back when it is returned.
	ErrSendFailed = errors.New("inbox: send failed")
	// ErrInactiveConversation is returned when sending into a conversation that is
	// not the one being displayed.
	ErrInactiveConversation = errors.New("inbox: conversation is not active")
)

// claimSkew bounds how much earlier than a speculative entry's local timestamp a
// history message may be stamped and still be taken as its confirmed form.
const claimSkew = 30 * time.Second

// Outcome describes what applying an authoritative message did to the list.
type Outcome string

const (
	OutcomeReplaced  Outcome = "replaced"
	OutcomeAppended  Outcome = "appended"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRouted    Outcome = "routed"
)

// Reconciler keeps the message list of the active conversation. Speculative
// entries created by BeginSend collapse into their authoritative counterpart when
// it arrives, so every logical message occupies exactly one slot.
//
// Reconciler performs no I/O and is not safe for concurrent use.
type Reconciler struct {
	viewerID string
	active   string
	messages []chat.Message

	// speculative id -> id of the confirmed message that took its slot
	claims map[string]string

	newID func() string
	now   func() time.Time
}

// NewReconciler creates an empty reconciler for viewerID.
func NewReconciler(viewerID string) *Reconciler {
	return &Reconciler{
		viewerID: viewerID,
		claims:   make(map[string]string),
		newID:    func() string { return chat.SpeculativePrefix + uuid.NewString() },
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Active returns the conversation whose list is kept.
func (r *Reconciler) Active() string {
	return r.active
}

// SetActive switches the displayed conversation and drops the previous list.
func (r *Reconciler) SetActive(conversationID string) {
	if r.active == conversationID {
		return
	}
	r.active = conversationID
	r.messages = nil
	clear(r.claims)
}

// Messages returns a copy of the current list.
func (r *Reconciler) Messages() []chat.Message {
	if len(r.messages) == 0 {
		return nil
	}
	return slices.Clone(r.messages)
}

// BeginSend appends a speculative message to the tail of the list and returns it.
func (r *Reconciler) BeginSend(conversationID, content string, sender chat.Participant, attachment *chat.Attachment) (chat.Message, error) {
	if conversationID == "" || conversationID != r.active {
		return chat.Message{}, ErrInactiveConversation
	}

	msg := chat.Message{
		ID:             r.newID(),
		ConversationID: conversationID,
		Sender:         &sender,
		SenderID:       sender.ID,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      r.now(),
	}
	r.messages = append(r.messages, msg)
	return msg, nil
}

// OnSendResolved settles a submission. Success leaves the list alone; Confirm or
// the authoritative message reconciles the entry. Failure removes the speculative
// entry and returns an ErrSendFailed error. When an identical message already took
// the entry's slot, the speculative entry left over for that message is removed
// instead.
func (r *Reconciler) OnSendResolved(speculativeID string, sendErr error) error {
	if sendErr == nil {
		return nil
	}
	if i := r.indexOf(speculativeID); i >= 0 {
		r.messages = slices.Delete(r.messages, i, i+1)
	} else if taker, ok := r.claims[speculativeID]; ok {
		if i := r.standIn(taker); i >= 0 {
			r.messages = slices.Delete(r.messages, i, i+1)
		}
	}
	delete(r.claims, speculativeID)
	return fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
}

// Confirm applies the stored form of the send whose speculative entry is
// speculativeID. The entry is replaced in place; if stored is already listed the
// entry is dropped, and if the entry's slot was taken by an identical message
// stored is appended.
func (r *Reconciler) Confirm(speculativeID string, stored chat.Message) Outcome {
	defer delete(r.claims, speculativeID)
	if stored.ConversationID != r.active {
		return OutcomeRouted
	}

	i := r.indexOf(speculativeID)
	if r.indexOf(stored.ID) >= 0 {
		if i >= 0 {
			r.messages = slices.Delete(r.messages, i, i+1)
		}
		return OutcomeDuplicate
	}
	if i >= 0 {
		r.messages[i] = stored
		return OutcomeReplaced
	}
	r.messages = append(r.messages, stored)
	return OutcomeAppended
}

// OnAuthoritativeMessage applies a confirmed message. Messages for other
// conversations are left to the conversation index. A message whose id is already
// listed is a duplicate delivery and is ignored; otherwise the oldest matching
// speculative entry is replaced in place, and failing that the message is appended.
func (r *Reconciler) OnAuthoritativeMessage(msg chat.Message) Outcome {
	if msg.ConversationID != r.active {
		return OutcomeRouted
	}
	if r.indexOf(msg.ID) >= 0 {
		return OutcomeDuplicate
	}
	if i := r.matchSpeculative(msg); i >= 0 {
		r.claims[r.messages[i].ID] = msg.ID
		r.messages[i] = msg
		return OutcomeReplaced
	}
	r.messages = append(r.messages, msg)
	return OutcomeAppended
}

// Hydrate merges a history snapshot for conversationID into the list. History
// comes first in createdAt order; live confirmed entries it does not contain are
// kept after it, and speculative entries survive unless a newly confirmed history
// message claims them.
func (r *Reconciler) Hydrate(conversationID string, history []chat.Message) {
	if conversationID != r.active {
		return
	}

	base := make([]chat.Message, 0, len(history)+len(r.messages))
	known := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.ConversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if _, dup := known[m.ID]; dup {
			continue
		}
		known[m.ID] = struct{}{}
		base = append(base, m)
	}
	slices.SortStableFunc(base, func(a, b chat.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	listed := make(map[string]struct{}, len(r.messages))
	for _, m := range r.messages {
		if !m.Speculative() {
			listed[m.ID] = struct{}{}
		}
	}

	historyLen := len(base)
	claimed := make([]bool, historyLen)
	for _, m := range r.messages {
		if !m.Speculative() {
			if _, ok := known[m.ID]; !ok {
				base = append(base, m)
			}
			continue
		}
		if j := r.claim(base[:historyLen], claimed, listed, m); j >= 0 {
			claimed[j] = true
			r.claims[m.ID] = base[j].ID
			continue
		}
		base = append(base, m)
	}

	r.messages = base
}

// claim finds a history message, not previously listed and not yet claimed, that
// is the confirmed form of the speculative entry pending.
func (r *Reconciler) claim(history []chat.Message, claimed []bool, listed map[string]struct{}, pending chat.Message) int {
	sender := chat.ResolveSenderID(pending, r.viewerID)
	for j, m := range history {
		if claimed[j] {
			continue
		}
		if _, ok := listed[m.ID]; ok {
			continue
		}
		if m.CreatedAt.Before(pending.CreatedAt.Add(-claimSkew)) {
			continue
		}
		if m.Content == pending.Content && chat.ResolveSenderID(m, r.viewerID) == sender {
			return j
		}
	}
	return -1
}

func (r *Reconciler) matchSpeculative(msg chat.Message) int {
	sender := chat.ResolveSenderID(msg, r.viewerID)
	if sender == "" {
		return -1
	}
	for i, m := range r.messages {
		if !m.Speculative() || m.Content != msg.Content {
			continue
		}
		if chat.ResolveSenderID(m, r.viewerID) == sender {
			return i
		}
	}
	return -1
}

// standIn returns the oldest speculative entry identical to the listed message
// takerID, which is the entry that message displaced.
func (r *Reconciler) standIn(takerID string) int {
	t := r.indexOf(takerID)
	if t < 0 {
		return -1
	}
	return r.matchSpeculative(r.messages[t])
}

func (r *Reconciler) indexOf(id string) int {
	for i, m := range r.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
