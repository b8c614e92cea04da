// Package client wires the transport, queue, membership, chat, and presence
// components together behind the single surface the UI consumes.
package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatherline/realtime/chat"
	"github.com/gatherline/realtime/membership"
	"github.com/gatherline/realtime/model"
	"github.com/gatherline/realtime/presence"
	"github.com/gatherline/realtime/protocol"
	"github.com/gatherline/realtime/queue"
	"github.com/gatherline/realtime/transport"
)

const typingSweepInterval = time.Second

type Config struct {
	Logger   *zerolog.Logger
	URL      string
	UserID   string
	UserName string

	MaxMessages      int
	MaxMessageLength int
	QueueCapacity    int
	TypingTimeout    time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int

	// OnQueueDrop reports outbound envelopes lost to queue overflow.
	OnQueueDrop func(model.Envelope)
}

// Client is the entry point for UI code. One Client owns one transport
// connection; chat and presence state hang off it.
type Client struct {
	logger zerolog.Logger
	cfg    Config

	conn       *transport.Connection
	queue      *queue.Queue
	membership *membership.Tracker
	presence   *presence.Service

	mx    sync.Mutex
	rooms map[string]*chat.Room

	done chan struct{}
	once sync.Once
}

func New(cfg Config) *Client {
	logger := cfg.Logger.With().Str("component", "client").Logger()

	conn := transport.NewConnection(transport.Config{
		Logger:         cfg.Logger,
		URL:            cfg.URL,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxAttempts:    cfg.MaxAttempts,
	})
	q := queue.New(queue.Config{
		Logger:   cfg.Logger,
		Sender:   conn,
		Capacity: cfg.QueueCapacity,
		OnDrop:   cfg.OnQueueDrop,
	})

	c := &Client{
		logger: logger,
		cfg:    cfg,
		conn:   conn,
		queue:  q,
		membership: membership.New(membership.Config{
			Logger: cfg.Logger,
			Sender: conn,
			Queue:  q,
			UserID: cfg.UserID,
		}),
		presence: presence.New(presence.Config{Logger: cfg.Logger}),
		rooms:    make(map[string]*chat.Room),
		done:     make(chan struct{}),
	}

	conn.OnStateChange(func(state model.ConnectionState) {
		if state != model.StateConnected {
			return
		}
		// Rejoin before flushing so the server sees membership before any
		// queued room traffic.
		c.membership.Rejoin()
		c.queue.Flush()
	})
	conn.Subscribe(c.dispatch)

	go c.sweepLoop()
	return c
}

// Connect starts the connection. Safe to call repeatedly.
func (c *Client) Connect() {
	c.conn.Connect()
}

// Disconnect closes the connection deliberately and suppresses reconnects.
// Joined rooms and their logs are kept; Connect resumes where it left off.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Close shuts the client down for good.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Disconnect()
	})
}

func (c *Client) ConnectionState() model.ConnectionState {
	return c.conn.State()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *Client) IsConnecting() bool {
	return c.conn.IsConnecting()
}

// JoinRoom joins a room and returns its chat service. Idempotent: joining
// again returns the existing service.
func (c *Client) JoinRoom(roomID string) *chat.Room {
	c.mx.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = chat.NewRoom(chat.Config{
			Logger:           c.cfg.Logger,
			Sender:           c.conn,
			Queue:            c.queue,
			RoomID:           roomID,
			UserID:           c.cfg.UserID,
			UserName:         c.cfg.UserName,
			MaxMessages:      c.cfg.MaxMessages,
			MaxMessageLength: c.cfg.MaxMessageLength,
			TypingTimeout:    c.cfg.TypingTimeout,
		})
		c.rooms[roomID] = room
	}
	c.mx.Unlock()

	c.membership.Join(roomID)
	return room
}

// LeaveRoom leaves a room and discards its local state. Queued sends for
// the room still flush; any envelopes arriving for it afterwards are
// dropped silently.
func (c *Client) LeaveRoom(roomID string) {
	c.mx.Lock()
	delete(c.rooms, roomID)
	c.mx.Unlock()

	c.membership.Leave(roomID)
}

// Room returns the chat service for a joined room.
func (c *Client) Room(roomID string) (*chat.Room, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	room, ok := c.rooms[roomID]
	return room, ok
}

// Rooms returns the joined room ids, sorted.
func (c *Client) Rooms() []string {
	return c.membership.Rooms()
}

// Presence returns the read-only presence service.
func (c *Client) Presence() *presence.Service {
	return c.presence
}

// QueueLen reports how many outbound envelopes are waiting for a flush.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// dispatch routes one inbound envelope. Runs on the transport's reader
// goroutine, preserving arrival order.
func (c *Client) dispatch(env model.Envelope) {
	if err := protocol.ValidateEnvelope(env); err != nil {
		c.logger.Debug().Err(err).Msg("invalid envelope dropped")
		return
	}

	if env.Type == model.TypePresenceUpdate {
		c.presence.HandleEnvelope(env)
		return
	}

	c.mx.Lock()
	room, ok := c.rooms[env.RoomID]
	c.mx.Unlock()
	if !ok {
		c.logger.Trace().Str("roomID", env.RoomID).Str("type", env.Type).
			Msg("envelope for unjoined room dropped")
		return
	}
	room.HandleEnvelope(env)
}

func (c *Client) sweepLoop() {
	ticker := time.NewTicker(typingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mx.Lock()
			rooms := make([]*chat.Room, 0, len(c.rooms))
			for _, room := range c.rooms {
				rooms = append(rooms, room)
			}
			c.mx.Unlock()
			for _, room := range rooms {
				room.Sweep(now)
			}
		}
	}
}
