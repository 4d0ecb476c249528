package inbox

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/metrics"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
	channelService "github.com/zhouzirui/z-bazaar/backend/internal/service/channel"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/history"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("inbox: engine closed")
	// ErrEmptyMessage is returned when sending neither text nor an attachment.
	ErrEmptyMessage = errors.New("inbox: message is empty")
)

// Channel is the push channel the engine consumes. *channel.Supervisor
// implements it.
type Channel interface {
	channelService.Emitter
	Connect(ctx context.Context, credential string) error
	Events() <-chan channelService.Event
	Close()
}

// NoticeKind classifies a user-facing notification.
type NoticeKind string

const (
	NoticeAuthRequired   NoticeKind = "auth_required"
	NoticeConnectionLost NoticeKind = "connection_lost"
	NoticeSendFailed     NoticeKind = "send_failed"
	NoticeJoinRejected   NoticeKind = "join_rejected"
)

// Notice is a non-blocking notification for the presentation layer.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	MessageID      string
	Err            error
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Viewer  chat.Participant
	Channel Channel
	Gateway history.Gateway
	Logger  zerolog.Logger
	// NoticeBuffer bounds undelivered notices; older ones are not kept once full.
	NoticeBuffer int
}

// Engine serializes the push channel, history responses and local send intents
// onto one goroutine that owns room membership, the active message list and the
// conversation index.
type Engine struct {
	viewer  chat.Participant
	ch      Channel
	gateway history.Gateway
	log     zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	notices chan Notice
	changes chan struct{}

	// owned by the loop goroutine
	rooms      *channelService.Rooms
	reconciler *Reconciler
	index      *Index
	phase      Phase
	lost       bool
}

// NewEngine starts the engine loop. The channel is not connected until Start.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Channel == nil || cfg.Gateway == nil {
		return nil, errors.New("inbox: channel and gateway are required")
	}
	if strings.TrimSpace(cfg.Viewer.ID) == "" {
		return nil, errors.New("inbox: viewer id is required")
	}
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		viewer:     cfg.Viewer,
		ch:         cfg.Channel,
		gateway:    cfg.Gateway,
		log:        cfg.Logger.With().Str("component", "inbox").Str("viewer", cfg.Viewer.ID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		mailbox:    make(chan func(), 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		notices:    make(chan Notice, cfg.NoticeBuffer),
		changes:    make(chan struct{}, 1),
		reconciler: NewReconciler(cfg.Viewer.ID),
		index:      NewIndex(cfg.Viewer.ID),
		phase:      PhaseIdle,
	}
	e.rooms = channelService.NewRooms(cfg.Channel, func(fn func()) { e.post(fn) }, cfg.Logger)

	go e.run()
	go e.pump()
	return e, nil
}

// Start connects the channel with credential and hydrates the conversation list.
// A missing or rejected credential fails with channel.ErrAuth and raises an
// auth_required notice.
func (e *Engine) Start(ctx context.Context, credential string) error {
	if e.closed() {
		return ErrClosed
	}
	if err := e.ch.Connect(ctx, credential); err != nil {
		if errors.Is(err, channelService.ErrAuth) {
			e.notify(Notice{Kind: NoticeAuthRequired, Err: err})
		}
		return err
	}
	return e.Refresh(ctx)
}

// Refresh reloads the conversation list from history. Conversations without a
// last message are backfilled with their most recent message.
func (e *Engine) Refresh(ctx context.Context) error {
	conversations, err := e.gateway.ListConversations(ctx)
	if err != nil {
		return err
	}
	for i := range conversations {
		if conversations[i].LastMessage != nil {
			continue
		}
		msgs, err := e.gateway.ListMessages(ctx, conversations[i].ID)
		if err != nil {
			e.log.Warn().Err(err).Str("conversation", conversations[i].ID).Msg("backfill last message failed")
			continue
		}
		if last, ok := latest(msgs); ok {
			conversations[i].LastMessage = &last
		}
	}

	return e.do(func() {
		e.index.ApplyHistory(conversations)
		e.changed()
	})
}

// Open makes conversationID the displayed conversation: its unread counter is
// cleared, its room joined and its messages loaded. History is loaded even when
// the room cannot be joined; the join error is returned after it.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("inbox: conversation id is required")
	}

	var joinErr error
	if err := e.do(func() {
		e.index.MarkActive(conversationID)
		e.reconciler.SetActive(conversationID)
		joinErr = e.joinActive()
		e.changed()
	}); err != nil {
		return err
	}

	msgs, err := e.gateway.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := e.do(func() {
		e.reconciler.Hydrate(conversationID, msgs)
		e.changed()
	}); err != nil {
		return err
	}
	return joinErr
}

// Send inserts a speculative message into the active conversation and submits it.
// It returns the speculative id at once; the channel receives nil once the send
// is accepted, or an ErrSendFailed error after the entry has been rolled back.
func (e *Engine) Send(ctx context.Context, content string, attachment *chat.Attachment) (string, <-chan error, error) {
	if strings.TrimSpace(content) == "" && attachment == nil {
		return "", nil, ErrEmptyMessage
	}

	var (
		msg      chat.Message
		beginErr error
	)
	if err := e.do(func() {
		msg, beginErr = e.reconciler.BeginSend(e.reconciler.Active(), content, e.viewer, attachment)
		if beginErr == nil {
			e.changed()
		}
	}); err != nil {
		return "", nil, err
	}
	if beginErr != nil {
		return "", nil, beginErr
	}

	result := make(chan error, 1)
	go func() {
		stored, sendErr := e.gateway.SubmitMessage(ctx, history.SubmitRequest{
			ConversationID: msg.ConversationID,
			Content:        content,
			Attachment:     attachment,
		})
		err := e.do(func() {
			err := e.reconciler.OnSendResolved(msg.ID, sendErr)
			switch {
			case err != nil:
				metrics.RecordReconciled("rolled_back")
				e.log.Warn().Err(sendErr).Str("conversation", msg.ConversationID).Str("message", msg.ID).Msg("send rolled back")
				e.notify(Notice{Kind: NoticeSendFailed, ConversationID: msg.ConversationID, MessageID: msg.ID, Err: err})
			case stored.ID != "":
				outcome := e.reconciler.Confirm(msg.ID, stored)
				metrics.RecordReconciled(string(outcome))
				e.index.ApplyEcho(stored)
			}
			e.changed()
			result <- err
		})
		if err != nil {
			select {
			case result <- ErrClosed:
			default:
			}
		}
	}()

	return msg.ID, result, nil
}

// StartConversation opens (or finds) a conversation with participantID and adds it
// to the index.
func (e *Engine) StartConversation(ctx context.Context, participantID string) (chat.Conversation, error) {
	conv, err := e.gateway.CreateConversation(ctx, participantID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := e.do(func() {
		e.index.ApplyHistory([]chat.Conversation{conv})
		e.changed()
	}); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

// Notices delivers user-facing notifications. Notices are dropped while the
// buffer is full.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Changes signals that a snapshot may have changed. Signals coalesce.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

// Messages returns the message list of the active conversation.
func (e *Engine) Messages() []chat.Message {
	var out []chat.Message
	_ = e.do(func() { out = e.reconciler.Messages() })
	return out
}

// Conversations returns the ordered conversation list.
func (e *Engine) Conversations() []chat.Conversation {
	var out []chat.Conversation
	_ = e.do(func() { out = e.index.Conversations() })
	return out
}

// Active returns the displayed conversation id.
func (e *Engine) Active() string {
	var out string
	_ = e.do(func() { out = e.reconciler.Active() })
	return out
}

// Phase returns the current session phase.
func (e *Engine) Phase() Phase {
	out := PhaseDisconnected
	_ = e.do(func() { out = e.phase })
	return out
}

// Close ends the session: the channel is closed, room memberships are discarded
// and the loop stops. Close is safe to call more than once.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.ch.Close()
		_ = e.do(func() {
			e.rooms.Reset()
			e.advance(phaseDisconnected)
		})
		e.cancel()
		close(e.stop)
		<-e.done
		e.log.Info().Msg("engine closed")
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.mailbox:
			fn()
		case <-e.stop:
			return
		}
	}
}

// pump forwards channel events into the mailbox.
func (e *Engine) pump() {
	events := e.ch.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !e.post(func() { e.handleEvent(ev) }) {
				return
			}
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) post(fn func()) bool {
	if e.closed() {
		return false
	}
	select {
	case e.mailbox <- fn:
		return true
	case <-e.stop:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (e *Engine) closed() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

func (e *Engine) handleEvent(ev channelService.Event) {
	switch ev.Type {
	case channelService.EventConnecting:
		e.rooms.Reset()
		e.advance(phaseConnecting)

	case channelService.EventConnected:
		e.advance(phaseConnected)
		if err := e.joinActive(); err != nil {
			e.log.Warn().Err(err).Msg("rejoin failed")
		}
		if e.lost {
			e.lost = false
			go e.resync(e.reconciler.Active())
		}

	case channelService.EventConnectionError:
		if ev.Attempt == 0 {
			e.lost = true
			e.rooms.Reset()
			e.notify(Notice{Kind: NoticeConnectionLost, Err: errors.New(ev.Reason)})
		}

	case channelService.EventDisconnected:
		e.lost = true
		e.rooms.Reset()
		e.advance(phaseDisconnected)
		e.notify(Notice{Kind: NoticeConnectionLost, Err: channelService.ErrNetwork})

	case channelService.EventMessageReceived:
		if ev.Message != nil {
			e.applyAuthoritative(*ev.Message)
		}
	}
}

// joinActive joins the room of the displayed conversation, if any.
func (e *Engine) joinActive() error {
	id := e.reconciler.Active()
	if id == "" {
		return nil
	}

	issued, err := e.rooms.Join(id, func(err error) { e.onJoined(id, err) })
	switch {
	case err != nil:
		return err
	case issued || e.rooms.Pending(id):
		e.advance(phaseJoinIssued)
	default:
		e.advance(phaseJoinAcked)
	}
	return nil
}

func (e *Engine) onJoined(conversationID string, err error) {
	if conversationID != e.reconciler.Active() {
		return
	}
	if err != nil {
		e.advance(phaseJoinFailed)
		e.notify(Notice{Kind: NoticeJoinRejected, ConversationID: conversationID, Err: err})
		return
	}
	e.advance(phaseJoinAcked)
}

// resync reloads what may have been missed while the channel was down.
func (e *Engine) resync(active string) {
	if err := e.Refresh(e.ctx); err != nil && !errors.Is(err, ErrClosed) {
		e.log.Warn().Err(err).Msg("conversation resync failed")
	}
	if active == "" {
		return
	}
	msgs, err := e.gateway.ListMessages(e.ctx, active)
	if err != nil {
		e.log.Warn().Err(err).Str("conversation", active).Msg("message resync failed")
		return
	}
	_ = e.do(func() {
		e.reconciler.Hydrate(active, msgs)
		e.changed()
	})
}

func (e *Engine) applyAuthoritative(msg chat.Message) {
	outcome := e.reconciler.OnAuthoritativeMessage(msg)
	metrics.RecordReconciled(string(outcome))
	if outcome == OutcomeDuplicate {
		e.log.Debug().Str("message", msg.ID).Msg("duplicate delivery ignored")
	}
	e.index.ApplyEcho(msg)
	e.changed()
}

func (e *Engine) advance(ev phaseEvent) {
	next := nextPhase(e.phase, ev)
	if next == e.phase {
		return
	}
	e.log.Debug().Str("from", string(e.phase)).Str("to", string(next)).Msg("phase changed")
	e.phase = next
	e.changed()
}

func (e *Engine) notify(n Notice) {
	select {
	case e.notices <- n:
	default:
		e.log.Warn().Str("kind", string(n.Kind)).Msg("notice dropped")
	}
}

func (e *Engine) changed() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

func latest(msgs []chat.Message) (chat.Message, bool) {
	if len(msgs) == 0 {
		return chat.Message{}, false
	}
	last := msgs[0]
	for _, m := range msgs[1:] {
		if !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
	}
	return last, true
}
