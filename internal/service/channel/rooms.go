package channel

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/metrics"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/channel"
)

// Emitter is the part of the Supervisor that room membership needs.
type Emitter interface {
	Connected() bool
	EmitWithAck(typ string, payload any, ack func(channel.Ack)) error
}

type roomState int

const (
	roomJoining roomState = iota + 1
	roomJoined
)

type membership struct {
	state roomState
	req   uint64
}

// Rooms tracks which conversation rooms the current connection has joined.
//
// Rooms is not safe for concurrent use. Acks arrive on the channel's read
// goroutine and are handed to dispatch, which must run them on the goroutine that
// owns Rooms.
type Rooms struct {
	emitter  Emitter
	dispatch func(func())
	log      zerolog.Logger

	req   uint64
	rooms map[string]membership
}

// NewRooms creates an empty membership set. A nil dispatch runs acks inline.
func NewRooms(emitter Emitter, dispatch func(func()), log zerolog.Logger) *Rooms {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Rooms{
		emitter:  emitter,
		dispatch: dispatch,
		log:      log.With().Str("component", "rooms").Logger(),
		rooms:    make(map[string]membership),
	}
}

// Join subscribes to conversationID. It reports whether a join_room request was
// issued: joining a room that is already joined or in flight is a no-op. Without a
// live connection it fails with ErrChannelUnavailable. When a request is issued,
// done is called once with nil or an ErrJoinRejected error, unless Reset discards
// the membership first. A rejected join is rolled back and not retried.
func (r *Rooms) Join(conversationID string, done func(error)) (bool, error) {
	if _, ok := r.rooms[conversationID]; ok {
		return false, nil
	}
	if !r.emitter.Connected() {
		return false, ErrChannelUnavailable
	}

	r.req++
	req := r.req
	r.rooms[conversationID] = membership{state: roomJoining, req: req}
	err := r.emitter.EmitWithAck(channel.TypeJoinRoom, channel.JoinRoom{ConversationID: conversationID}, func(ack channel.Ack) {
		r.dispatch(func() { r.resolve(req, conversationID, ack, done) })
	})
	if err != nil {
		delete(r.rooms, conversationID)
		return false, err
	}

	metrics.RecordRoomJoin("issued")
	r.log.Debug().Str("conversation", conversationID).Msg("join requested")
	return true, nil
}

func (r *Rooms) resolve(req uint64, conversationID string, ack channel.Ack, done func(error)) {
	m, ok := r.rooms[conversationID]
	if !ok || m.req != req || m.state != roomJoining {
		// stale: the membership this ack belongs to was reset or already resolved
		return
	}

	var err error
	if ack.Success {
		r.rooms[conversationID] = membership{state: roomJoined, req: req}
		metrics.RecordRoomJoin("joined")
	} else {
		delete(r.rooms, conversationID)
		err = fmt.Errorf("%w: %s", ErrJoinRejected, ack.Error)
		metrics.RecordRoomJoin("rejected")
		r.log.Warn().Str("conversation", conversationID).Str("reason", ack.Error).Msg("join rejected")
	}
	if done != nil {
		done(err)
	}
}

// Joined reports whether conversationID has been acknowledged.
func (r *Rooms) Joined(conversationID string) bool {
	return r.rooms[conversationID].state == roomJoined
}

// Pending reports whether a join for conversationID awaits its ack.
func (r *Rooms) Pending(conversationID string) bool {
	return r.rooms[conversationID].state == roomJoining
}

// Reset forgets every membership. Acks for joins issued before the reset are ignored.
func (r *Rooms) Reset() {
	clear(r.rooms)
}
