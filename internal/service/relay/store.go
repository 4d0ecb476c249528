package relay

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

var (
	ErrParticipantRequired  = errors.New("participant id is required")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("not a participant of this conversation")
	ErrEmptyMessage         = errors.New("message content is required")
)

type conversationRecord struct {
	conv   chat.Conversation
	seq    int
	unread map[string]int
}

// Store keeps conversations and messages in memory.
type Store struct {
	mu            sync.RWMutex
	directory     *Directory
	conversations map[string]*conversationRecord
	messages      map[string][]chat.Message
	seq           int

	now func() time.Time
}

// NewStore bootstraps an empty store backed by directory for participant profiles.
func NewStore(directory *Directory) *Store {
	if directory == nil {
		directory = NewDirectory(nil)
	}
	return &Store{
		directory:     directory,
		conversations: make(map[string]*conversationRecord),
		messages:      make(map[string][]chat.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Directory returns the participant directory.
func (s *Store) Directory() *Directory {
	return s.directory
}

// CreateConversation opens a conversation between viewerID and participantID. The
// existing conversation is returned when the pair already has one.
func (s *Store) CreateConversation(_ context.Context, viewerID, participantID string) (chat.Conversation, bool, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return chat.Conversation{}, false, ErrParticipantRequired
	}
	if participantID == viewerID {
		return chat.Conversation{}, false, ErrSelfConversation
	}

	viewer := s.directory.Ensure(viewerID)
	other := s.directory.Ensure(participantID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.conversations {
		if rec.conv.HasParticipant(viewerID) && rec.conv.HasParticipant(participantID) {
			return s.viewLocked(rec, viewerID), false, nil
		}
	}

	s.seq++
	rec := &conversationRecord{
		conv: chat.Conversation{
			ID:           uuid.NewString(),
			Participants: []chat.Participant{viewer, other},
			UpdatedAt:    s.now(),
		},
		seq:    s.seq,
		unread: make(map[string]int),
	}
	s.conversations[rec.conv.ID] = rec
	s.messages[rec.conv.ID] = make([]chat.Message, 0, 16)
	return s.viewLocked(rec, viewerID), true, nil
}

// ListConversations returns the conversations of viewerID, most recent first.
func (s *Store) ListConversations(_ context.Context, viewerID string) []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*conversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		if rec.conv.HasParticipant(viewerID) {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(a, b *conversationRecord) int {
		if c := b.conv.OrderingKey().Compare(a.conv.OrderingKey()); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]chat.Conversation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.viewLocked(rec, viewerID))
	}
	return out
}

// ListMessages returns the messages of a conversation, oldest first, and marks
// them read for viewerID.
func (s *Store) ListMessages(_ context.Context, viewerID, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	delete(rec.unread, viewerID)

	messages := s.messages[conversationID]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// SubmitMessage stores a message from senderID and returns it with its id and
// timestamp assigned.
func (s *Store) SubmitMessage(_ context.Context, senderID, conversationID, content string, attachment *chat.Attachment) (chat.Message, error) {
	if strings.TrimSpace(content) == "" && attachment == nil {
		return chat.Message{}, ErrEmptyMessage
	}
	sender := s.directory.Ensure(senderID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(conversationID, senderID)
	if err != nil {
		return chat.Message{}, err
	}

	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         &sender,
		SenderID:       senderID,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      s.now(),
	}
	if other, ok := rec.conv.Counterpart(senderID); ok {
		message.ReceiverID = other.ID
	}

	s.messages[conversationID] = append(s.messages[conversationID], message)
	last := message
	rec.conv.LastMessage = &last
	rec.conv.UpdatedAt = message.CreatedAt
	for _, p := range rec.conv.Participants {
		if p.ID != senderID {
			rec.unread[p.ID]++
		}
	}
	return message, nil
}

// CanJoin reports whether viewerID may subscribe to conversationID.
func (s *Store) CanJoin(conversationID, viewerID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.lookupLocked(conversationID, viewerID)
	return err
}

// Participants returns the participant ids of a conversation.
func (s *Store) Participants(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.conv.Participants))
	for _, p := range rec.conv.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Store) lookupLocked(conversationID, viewerID string) (*conversationRecord, error) {
	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !rec.conv.HasParticipant(viewerID) {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *Store) viewLocked(rec *conversationRecord, viewerID string) chat.Conversation {
	conv := rec.conv
	conv.Participants = append([]chat.Participant(nil), rec.conv.Participants...)
	conv.UnreadCount = rec.unread[viewerID]
	return conv
}
