// Package membership tracks which rooms the local client has joined and
// keeps the server's view in sync across reconnects.
package membership

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gatherline/realtime/model"
	"github.com/gatherline/realtime/protocol"
)

// Sender is the slice of the transport the tracker needs.
type Sender interface {
	Send(model.Envelope) bool
}

// Enqueuer defers envelopes that cannot be sent right now.
type Enqueuer interface {
	Enqueue(model.Envelope)
}

type Config struct {
	Logger *zerolog.Logger
	Sender Sender
	Queue  Enqueuer
	UserID string
}

type Tracker struct {
	logger zerolog.Logger
	sender Sender
	queue  Enqueuer
	userID string

	mx    sync.Mutex
	rooms map[string]struct{}
}

func New(cfg Config) *Tracker {
	return &Tracker{
		logger: cfg.Logger.With().Str("component", "membership").Logger(),
		sender: cfg.Sender,
		queue:  cfg.Queue,
		userID: cfg.UserID,
		rooms:  make(map[string]struct{}),
	}
}

// Join records membership and issues a join envelope. Idempotent: joining a
// room the client is already a member of produces no traffic.
func (t *Tracker) Join(roomID string) {
	t.mx.Lock()
	if _, ok := t.rooms[roomID]; ok {
		t.mx.Unlock()
		return
	}
	t.rooms[roomID] = struct{}{}
	t.mx.Unlock()

	t.sendOrQueue(protocol.NewEnvelope(model.TypeJoinRoom, roomID, t.userID, model.Payload{}))
	t.logger.Debug().Str("roomID", roomID).Msg("room joined")
}

// Leave removes local membership immediately, without waiting for server
// acknowledgement, and issues a leave envelope.
func (t *Tracker) Leave(roomID string) {
	t.mx.Lock()
	if _, ok := t.rooms[roomID]; !ok {
		t.mx.Unlock()
		return
	}
	delete(t.rooms, roomID)
	t.mx.Unlock()

	t.sendOrQueue(protocol.NewEnvelope(model.TypeLeaveRoom, roomID, t.userID, model.Payload{}))
	t.logger.Debug().Str("roomID", roomID).Msg("room left")
}

// IsMember reports the local view of membership.
func (t *Tracker) IsMember(roomID string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	_, ok := t.rooms[roomID]
	return ok
}

// Rooms returns the joined room ids, sorted.
func (t *Tracker) Rooms() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rejoin re-issues join envelopes for every tracked room. Called on each
// reconnect, since the server has no memory of pre-disconnect membership.
func (t *Tracker) Rejoin() {
	for _, roomID := range t.Rooms() {
		t.sendOrQueue(protocol.NewEnvelope(model.TypeJoinRoom, roomID, t.userID, model.Payload{}))
		t.logger.Debug().Str("roomID", roomID).Msg("rejoin sent")
	}
}

func (t *Tracker) sendOrQueue(env model.Envelope) {
	if !t.sender.Send(env) {
		t.queue.Enqueue(env)
	}
}
