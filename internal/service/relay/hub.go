package relay

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/metrics"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/channel"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// RoomAuthorizer decides whether a viewer may join a conversation room.
type RoomAuthorizer interface {
	CanJoin(conversationID, viewerID string) error
}

type client struct {
	conn     *websocket.Conn
	viewerID string

	writeMu sync.Mutex

	mu      sync.Mutex
	present bool
	rooms   map[string]struct{}
}

func (c *client) send(env channel.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *client) addresses(conversationID string, participants []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[conversationID]; ok {
		return true
	}
	if !c.present {
		return false
	}
	for _, id := range participants {
		if id == c.viewerID {
			return true
		}
	}
	return false
}

// Hub fans messages out to connected push-channel clients.
type Hub struct {
	rooms RoomAuthorizer
	log   zerolog.Logger

	mu          sync.RWMutex
	clients     map[*client]struct{}
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	viewerID string
	ch       chan chat.Message
}

// NewHub creates an empty hub.
func NewHub(rooms RoomAuthorizer, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:       rooms,
		log:         log.With().Str("component", "relay-hub").Logger(),
		clients:     make(map[*client]struct{}),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Serve runs the read loop of an upgraded connection authenticated as viewerID
// and returns when the connection closes.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, viewerID string) {
	c := &client{conn: conn, viewerID: viewerID, rooms: make(map[string]struct{})}
	h.add(c)
	defer h.remove(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go h.pingLoop(ctx, c)

	for {
		var env channel.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("viewer", viewerID).Msg("read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handle(c, env)
	}
}

func (h *Hub) handle(c *client, env channel.Envelope) {
	switch env.Type {
	case channel.TypeAnnouncePresence:
		var p channel.Presence
		if err := env.Decode(&p); err != nil || (p.ViewerID != "" && p.ViewerID != c.viewerID) {
			h.log.Warn().Str("viewer", c.viewerID).Str("announced", p.ViewerID).Msg("presence ignored")
			return
		}
		c.mu.Lock()
		c.present = true
		c.mu.Unlock()
		h.log.Debug().Str("viewer", c.viewerID).Msg("viewer online")

	case channel.TypeJoinRoom:
		var req channel.JoinRoom
		ack := channel.Ack{Success: true}
		if err := env.Decode(&req); err != nil {
			ack = channel.Ack{Error: "malformed join request"}
		} else if err := h.rooms.CanJoin(req.ConversationID, c.viewerID); err != nil {
			ack = channel.Ack{Error: err.Error()}
		} else {
			c.mu.Lock()
			c.rooms[req.ConversationID] = struct{}{}
			c.mu.Unlock()
		}
		reply, err := channel.NewEnvelope(channel.TypeAck, env.Seq, ack)
		if err == nil {
			err = c.send(reply)
		}
		if err != nil {
			h.log.Warn().Err(err).Str("viewer", c.viewerID).Msg("ack write failed")
		}

	default:
		h.log.Debug().Str("type", env.Type).Msg("ignoring unknown frame")
	}
}

// Broadcast pushes msg to every client joined to its room and to every online
// participant, at most once per client.
func (h *Hub) Broadcast(msg chat.Message, participants []string) {
	env, err := channel.NewEnvelope(channel.TypeMessageEvent, 0, channel.MessageEvent{Message: msg})
	if err != nil {
		h.log.Error().Err(err).Msg("encode message event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.addresses(msg.ConversationID, participants) {
			targets = append(targets, c)
		}
	}
	for sub := range h.subscribers {
		if !slices.Contains(participants, sub.viewerID) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.log.Warn().Str("viewer", sub.viewerID).Str("message", msg.ID).Msg("feed subscriber lagging, message dropped")
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(env); err != nil {
			h.log.Warn().Err(err).Str("viewer", c.viewerID).Msg("push failed")
			_ = c.conn.Close()
		}
	}
}

// Subscribe registers a read-only feed of messages addressed to viewerID. The
// returned cancel func must be called once the feed is no longer read.
func (h *Hub) Subscribe(viewerID string) (<-chan chat.Message, func()) {
	sub := &subscriber{viewerID: viewerID, ch: make(chan chat.Message, 16)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub)
			h.mu.Unlock()
		})
	}
}

// Online returns the number of connected clients.
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.RelayConnections.Inc()
	h.log.Info().Str("viewer", c.viewerID).Msg("client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	metrics.RelayConnections.Dec()
	h.log.Info().Str("viewer", c.viewerID).Msg("client disconnected")
}

func (h *Hub) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
