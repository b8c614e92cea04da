// Package chat implements the per-room message log and typing-indicator
// state on top of the transport and the outbound queue.
package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/gatherline/realtime/model"
	"github.com/gatherline/realtime/protocol"
)

const (
	defaultMaxMessages   = 100
	defaultTypingTimeout = 3000 * time.Millisecond
)

// Delivery tells the caller what happened to an accepted message: sent on
// the live connection, or queued for the next reconnect. Validation
// failures are reported as errors instead.
type Delivery int

const (
	DeliverySent Delivery = iota
	DeliveryQueued
)

func (d Delivery) String() string {
	switch d {
	case DeliverySent:
		return "sent"
	case DeliveryQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Sender is the slice of the transport the room needs.
type Sender interface {
	Send(model.Envelope) bool
}

// Enqueuer defers envelopes that cannot be sent right now.
type Enqueuer interface {
	Enqueue(model.Envelope)
}

type Config struct {
	Logger   *zerolog.Logger
	Sender   Sender
	Queue    Enqueuer
	RoomID   string
	UserID   string
	UserName string

	MaxMessages      int
	MaxMessageLength int
	TypingTimeout    time.Duration
}

// Room is the chat service for a single room.
type Room struct {
	logger   zerolog.Logger
	sender   Sender
	queue    Enqueuer
	roomID   string
	userID   string
	userName string

	maxMessages      int
	maxMessageLength int
	typingTimeout    time.Duration

	mx        sync.Mutex
	messages  []model.ChatMessage
	seen      map[string]struct{}
	typing    map[string]model.TypingUser
	lastStart time.Time
}

func NewRoom(cfg Config) *Room {
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	typingTimeout := cfg.TypingTimeout
	if typingTimeout <= 0 {
		typingTimeout = defaultTypingTimeout
	}
	return &Room{
		logger: cfg.Logger.With().
			Str("component", "chat").
			Str("roomID", cfg.RoomID).
			Logger(),
		sender:           cfg.Sender,
		queue:            cfg.Queue,
		roomID:           cfg.RoomID,
		userID:           cfg.UserID,
		userName:         cfg.UserName,
		maxMessages:      maxMessages,
		maxMessageLength: cfg.MaxMessageLength,
		typingTimeout:    typingTimeout,
		seen:             make(map[string]struct{}),
		typing:           make(map[string]model.TypingUser),
	}
}

func (r *Room) ID() string {
	return r.roomID
}

// SendMessage validates content, appends the message to the local log
// immediately (optimistic echo, keyed by the locally generated id), and
// either sends it or queues it for the next reconnect. A later server echo
// with the same id is ignored as a duplicate.
func (r *Room) SendMessage(content string) (Delivery, error) {
	if err := protocol.ValidateContent(content, r.maxMessageLength); err != nil {
		return 0, err
	}

	env := protocol.NewEnvelope(model.TypeChatMessage, r.roomID, r.userID, model.Payload{
		Content:  content,
		UserName: r.userName,
	})
	r.append(env)

	if r.sender.Send(env) {
		return DeliverySent, nil
	}
	r.queue.Enqueue(env)
	r.logger.Debug().Str("id", env.ID).Msg("message queued for later delivery")
	return DeliveryQueued, nil
}

// StartTyping signals that the local user is composing. Repeated calls
// within the typing timeout window are throttled to a single envelope.
// Typing signals are ephemeral and are dropped, not queued, while
// disconnected: replaying a stale indicator after a reconnect would show
// phantom typing.
func (r *Room) StartTyping() {
	r.mx.Lock()
	if time.Since(r.lastStart) < r.typingTimeout {
		r.mx.Unlock()
		return
	}
	r.lastStart = time.Now()
	r.mx.Unlock()

	env := protocol.NewEnvelope(model.TypeTypingStart, r.roomID, r.userID, model.Payload{
		UserName: r.userName,
	})
	_ = r.sender.Send(env)
}

// StopTyping signals that the local user stopped composing. Idempotent.
func (r *Room) StopTyping() {
	r.mx.Lock()
	r.lastStart = time.Time{}
	r.mx.Unlock()

	env := protocol.NewEnvelope(model.TypeTypingStop, r.roomID, r.userID, model.Payload{})
	_ = r.sender.Send(env)
}

// HandleEnvelope processes one inbound envelope addressed to this room.
// Envelopes of other types are ignored.
func (r *Room) HandleEnvelope(env model.Envelope) {
	switch env.Type {
	case model.TypeChatMessage:
		r.append(env)
	case model.TypeTypingStart:
		r.typingStarted(env)
	case model.TypeTypingStop:
		r.typingStopped(env)
	}
}

// Messages returns a copy of the ordered log, most recent last.
func (r *Room) Messages() []model.ChatMessage {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]model.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// TypingUsers returns the users currently typing in this room, excluding
// the local user. Expired entries are swept lazily on every read.
func (r *Room) TypingUsers() []model.TypingUser {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.sweepLocked(time.Now())
	return lo.Values(r.typing)
}

// Sweep removes typing entries whose expiry has passed. Also invoked
// periodically by the client facade so stale indicators disappear without
// waiting for the next read.
func (r *Room) Sweep(now time.Time) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.sweepLocked(now)
}

func (r *Room) append(env model.Envelope) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, dup := r.seen[env.ID]; dup {
		r.logger.Trace().Str("id", env.ID).Msg("duplicate envelope ignored")
		return
	}
	r.seen[env.ID] = struct{}{}
	r.messages = append(r.messages, model.ChatMessage{
		ID:        env.ID,
		RoomID:    r.roomID,
		UserID:    env.UserID,
		Content:   env.Data.Content,
		Timestamp: env.Timestamp,
	})
	if len(r.messages) > r.maxMessages {
		evicted := r.messages[:len(r.messages)-r.maxMessages]
		for _, m := range evicted {
			delete(r.seen, m.ID)
		}
		r.messages = r.messages[len(evicted):]
	}
}

func (r *Room) typingStarted(env model.Envelope) {
	if env.UserID == "" || env.UserID == r.userID {
		return
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.typing[env.UserID] = model.TypingUser{
		UserID:    env.UserID,
		UserName:  env.Data.UserName,
		RoomID:    r.roomID,
		ExpiresAt: time.Now().Add(r.typingTimeout),
	}
}

func (r *Room) typingStopped(env model.Envelope) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.typing, env.UserID)
}

func (r *Room) sweepLocked(now time.Time) {
	for userID, tu := range r.typing {
		if now.After(tu.ExpiresAt) {
			delete(r.typing, userID)
		}
	}
}
