package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/metrics"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/channel"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

var (
	// ErrAuth means no usable credential was supplied. It is never retried.
	ErrAuth = errors.New("channel: authentication required")
	// ErrNetwork means the channel could not be (re)established.
	ErrNetwork = errors.New("channel: network error")
	// ErrChannelUnavailable means a request was attempted without a live connection.
	ErrChannelUnavailable = errors.New("channel: no live connection")
	// ErrJoinRejected means the far end refused a room join.
	ErrJoinRejected = errors.New("channel: join rejected")
)

// State is the connection state of a Supervisor.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// EventType names an observable supervisor event.
type EventType string

const (
	EventConnecting      EventType = "connecting"
	EventConnected       EventType = "connected"
	EventConnectionError EventType = "connection_error"
	EventDisconnected    EventType = "disconnected"
	EventMessageReceived EventType = "message_received"
)

// Event is emitted on the supervisor's event stream.
type Event struct {
	Type EventType
	// Reason is set for connection_error.
	Reason string
	// Attempt is the 1-based dial attempt for connection_error, zero for a drop.
	Attempt int
	// Reconnect marks a connected event that follows an unexpected drop.
	Reconnect bool
	// Message is set for message_received.
	Message *chat.Message
}

// Options configures a Supervisor.
type Options struct {
	URL              string
	ViewerID         string
	MaxAttempts      int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// DefaultOptions returns the standard reconnection policy: five attempts, one
// second apart.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		RetryDelay:       time.Second,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		EventBuffer:      256,
	}
}

// Supervisor owns the single push-channel connection of an authenticated session.
type Supervisor struct {
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger
	events chan Event

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	credential string
	session    context.Context
	cancel     context.CancelFunc
	seq        uint64
	acks       map[uint64]func(channel.Ack)

	writeMu sync.Mutex
}

// NewSupervisor creates an idle supervisor. Zero option fields take their defaults.
func NewSupervisor(opts Options, log zerolog.Logger) *Supervisor {
	def := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	return &Supervisor{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:    log.With().Str("component", "channel-supervisor").Logger(),
		events: make(chan Event, opts.EventBuffer),
		state:  StateIdle,
		acks:   make(map[uint64]func(channel.Ack)),
	}
}

// Events is the stream of connection and inbound message events.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a live connection exists.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.conn != nil
}

// Connect establishes the channel with credential, retrying up to MaxAttempts.
// A missing credential fails with ErrAuth without dialing. Calling Connect while a
// connection exists or is being established is a no-op.
func (s *Supervisor) Connect(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrAuth
	}

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.session, s.cancel = context.WithCancel(context.Background())
	s.credential = credential
	session := s.session
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.emit(session, Event{Type: EventConnecting})

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(session, cancel)
	defer stop()

	if err := s.establish(dialCtx, session, false); err != nil {
		s.terminate(session)
		if errors.Is(err, ErrAuth) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

// Close tears the session down: the connection is closed, pending acks are dropped
// and no reconnection is attempted. A later Connect starts a new session.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	conn := s.conn
	s.conn = nil
	s.acks = make(map[uint64]func(channel.Ack))
	changed := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if changed {
		select {
		case s.events <- Event{Type: EventDisconnected}:
		default:
		}
	}
	s.log.Info().Msg("channel closed")
}

// EmitWithAck sends a request frame and registers ack to be called, from the read
// goroutine, when the far end answers.
func (s *Supervisor) EmitWithAck(typ string, payload any, ack func(channel.Ack)) error {
	s.mu.Lock()
	conn := s.conn
	if s.state != StateConnected || conn == nil {
		s.mu.Unlock()
		return ErrChannelUnavailable
	}
	s.seq++
	seq := s.seq
	if ack != nil {
		s.acks[seq] = ack
	}
	s.mu.Unlock()

	env, err := channel.NewEnvelope(typ, seq, payload)
	if err == nil {
		err = s.write(conn, env)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.acks, seq)
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

func (s *Supervisor) establish(ctx context.Context, session context.Context, reconnect bool) error {
	if reconnect {
		s.transition(session, StateConnecting, Event{Type: EventConnecting})
	}

	attempt := 0
	var conn *websocket.Conn
	operation := func() error {
		attempt++
		c, err := s.dial(ctx)
		metrics.RecordConnectAttempt(err == nil)
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("channel dial failed")
			s.emit(session, Event{Type: EventConnectionError, Reason: err.Error(), Attempt: attempt})
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(s.opts.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}

	s.mu.Lock()
	if session.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return context.Canceled
	}
	s.conn = conn
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
		return nil
	})

	presence, err := channel.NewEnvelope(channel.TypeAnnouncePresence, 0, channel.Presence{ViewerID: s.opts.ViewerID})
	if err == nil {
		err = s.write(conn, presence)
	}
	if err != nil {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("announce presence: %w", err)
	}

	go s.readLoop(session, conn)
	go s.pingLoop(session, conn)

	if !s.transition(session, StateConnected, Event{Type: EventConnected, Reconnect: reconnect}) {
		// closed while the handshake was finishing
		_ = conn.Close()
		return context.Canceled
	}
	s.log.Info().Str("viewer", s.opts.ViewerID).Bool("reconnect", reconnect).Int("attempts", attempt).Msg("channel connected")
	return nil
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	credential := s.credential
	s.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("%w: credential rejected (%d)", ErrAuth, resp.StatusCode))
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (s *Supervisor) write(conn *websocket.Conn, env channel.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	return conn.WriteJSON(env)
}

func (s *Supervisor) readLoop(session context.Context, conn *websocket.Conn) {
	for {
		var env channel.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.handleDrop(session, conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))

		switch env.Type {
		case channel.TypeMessageEvent:
			var event channel.MessageEvent
			if err := env.Decode(&event); err != nil {
				s.log.Warn().Err(err).Msg("dropping malformed message event")
				continue
			}
			msg := event.Message
			s.emit(session, Event{Type: EventMessageReceived, Message: &msg})
		case channel.TypeAck:
			var ack channel.Ack
			if err := env.Decode(&ack); err != nil {
				ack = channel.Ack{Success: false, Error: err.Error()}
			}
			s.mu.Lock()
			cb := s.acks[env.Seq]
			delete(s.acks, env.Seq)
			s.mu.Unlock()
			if cb != nil {
				cb(ack)
			}
		default:
			s.log.Debug().Str("type", env.Type).Msg("ignoring unknown frame")
		}
	}
}

func (s *Supervisor) pingLoop(session context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.HandshakeTimeout)); err != nil {
				// the read loop observes the broken connection and drives reconnection
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Supervisor) handleDrop(session context.Context, conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || session.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.acks = make(map[uint64]func(channel.Ack))
	s.mu.Unlock()
	_ = conn.Close()

	s.log.Warn().Err(cause).Msg("channel dropped, reconnecting")
	s.emit(session, Event{Type: EventConnectionError, Reason: cause.Error()})

	if err := s.establish(session, session, true); err != nil {
		if session.Err() != nil {
			return
		}
		s.log.Error().Err(err).Int("attempts", s.opts.MaxAttempts).Msg("reconnection exhausted")
		s.terminate(session)
	}
}

// terminate moves a failed session into the terminal disconnected state.
func (s *Supervisor) terminate(session context.Context) {
	s.transition(session, StateDisconnected, Event{Type: EventDisconnected})
	s.mu.Lock()
	if s.session == session && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// transition applies to only while session is the live session, and reports
// whether it was.
func (s *Supervisor) transition(session context.Context, to State, ev Event) bool {
	s.mu.Lock()
	if s.session != session || session.Err() != nil {
		s.mu.Unlock()
		return false
	}
	changed := s.setStateLocked(to)
	s.mu.Unlock()
	if changed {
		s.emit(session, ev)
	}
	return true
}

func (s *Supervisor) setStateLocked(to State) bool {
	if s.state == to {
		return false
	}
	s.state = to
	metrics.RecordStateTransition(string(to))
	return true
}

func (s *Supervisor) emit(session context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-session.Done():
		// terminal events are still worth delivering when there is room
		if ev.Type == EventDisconnected {
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}
