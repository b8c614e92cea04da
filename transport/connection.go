// Package transport owns the single websocket connection to the messaging
// backend: its lifecycle state machine, reconnection with backoff, and the
// low-level send/subscribe contract every service above it is built on.
package transport

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gatherline/realtime/model"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxAttempts    = 10

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give the server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

// Handler is invoked once per inbound envelope, in arrival order.
type Handler func(model.Envelope)

// StateHandler is invoked after every connection state transition. The
// state field is always updated before any handler observes the change.
type StateHandler func(model.ConnectionState)

type Config struct {
	Logger *zerolog.Logger
	URL    string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int

	PingInterval time.Duration
	PongWait     time.Duration
}

// Connection maintains one logical connection to the backend. Socket-level
// errors never reach callers; they only drive state transitions and trigger
// reconnection.
type Connection struct {
	logger zerolog.Logger
	url    string
	dialer *websocket.Dialer

	maxAttempts  int
	pingInterval time.Duration
	pongWait     time.Duration

	mx         sync.Mutex
	state      model.ConnectionState
	conn       *websocket.Conn
	deliberate bool
	attempts   int
	gen        int
	retry      *time.Timer
	bo         *backoff.ExponentialBackOff

	wmx sync.Mutex // serializes socket writes

	subMx         sync.Mutex
	nextSub       int
	handlers      map[int]Handler
	stateHandlers map[int]StateHandler
}

func NewConnection(cfg Config) *Connection {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxDelay := cfg.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0 // attempts are bounded by the counter, not elapsed time

	return &Connection{
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		url:    cfg.URL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		},
		maxAttempts:   maxAttempts,
		pingInterval:  pingInterval,
		pongWait:      pongWait,
		state:         model.StateDisconnected,
		bo:            bo,
		handlers:      make(map[int]Handler),
		stateHandlers: make(map[int]StateHandler),
	}
}

// Connect begins establishing the connection. Idempotent: a no-op while
// already Connecting or Connected. A Failed connection is reset and retried
// from scratch.
func (c *Connection) Connect() {
	c.mx.Lock()
	switch c.state {
	case model.StateConnecting, model.StateConnected:
		c.mx.Unlock()
		return
	}
	c.deliberate = false
	c.attempts = 0
	c.bo.Reset()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.gen++
	gen := c.gen
	c.state = model.StateConnecting
	c.mx.Unlock()

	c.notifyState(model.StateConnecting)
	go c.dial(gen)
}

// Disconnect closes the connection deliberately, cancels any pending
// reconnect timer, and suppresses auto-reconnect.
func (c *Connection) Disconnect() {
	c.mx.Lock()
	c.deliberate = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	changed := c.state != model.StateDisconnected
	c.state = model.StateDisconnected
	c.mx.Unlock()

	if conn != nil {
		c.closeSocket(conn)
	}
	if changed {
		c.notifyState(model.StateDisconnected)
	}
}

// Send writes an envelope to the socket. Returns true only if the
// connection is Connected and the write succeeds; false signals the caller
// to queue the envelope instead. Never panics or returns an error.
func (c *Connection) Send(env model.Envelope) bool {
	c.mx.Lock()
	conn := c.conn
	connected := c.state == model.StateConnected && conn != nil
	c.mx.Unlock()
	if !connected {
		return false
	}

	b, err := json.Marshal(&env)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshall outgoing envelope")
		return false
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return false
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.logger.Error().Err(err).Msg("failed to write outgoing envelope")
		return false
	}
	c.logger.Trace().Str("type", env.Type).Str("id", env.ID).Msg("envelope sent")
	return true
}

// Subscribe registers a handler for inbound envelopes. Handlers are called
// in registration order. The returned func unsubscribes; deliveries already
// in flight are never dropped.
func (c *Connection) Subscribe(h Handler) func() {
	c.subMx.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = h
	c.subMx.Unlock()
	return func() {
		c.subMx.Lock()
		delete(c.handlers, id)
		c.subMx.Unlock()
	}
}

// OnStateChange registers a listener for connection state transitions.
func (c *Connection) OnStateChange(h StateHandler) func() {
	c.subMx.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateHandlers[id] = h
	c.subMx.Unlock()
	return func() {
		c.subMx.Lock()
		delete(c.stateHandlers, id)
		c.subMx.Unlock()
	}
}

func (c *Connection) State() model.ConnectionState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == model.StateConnected
}

func (c *Connection) IsConnecting() bool {
	s := c.State()
	return s == model.StateConnecting || s == model.StateReconnecting
}

func (c *Connection) dial(gen int) {
	conn, resp, err := c.dialer.Dial(c.url, nil) //nolint:bodyclose // gorilla keeps resp.Body
	_ = resp

	c.mx.Lock()
	if gen != c.gen || c.deliberate {
		c.mx.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mx.Unlock()
		c.logger.Error().Err(err).Str("url", c.url).Msg("dial failed")
		c.scheduleRetry(gen)
		return
	}
	c.conn = conn
	c.state = model.StateConnected
	c.attempts = 0
	c.bo.Reset()
	c.mx.Unlock()

	c.logger.Debug().Str("url", c.url).Msg("connected")
	c.notifyState(model.StateConnected)

	go c.readPump(conn, gen)
	go c.pingLoop(conn, gen)
}

func (c *Connection) scheduleRetry(gen int) {
	c.mx.Lock()
	if gen != c.gen || c.deliberate {
		c.mx.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.maxAttempts {
		attempts := c.attempts - 1
		c.state = model.StateFailed
		c.mx.Unlock()
		c.logger.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted")
		c.notifyState(model.StateFailed)
		return
	}
	delay := c.bo.NextBackOff()
	changed := c.state != model.StateReconnecting
	c.state = model.StateReconnecting
	c.retry = time.AfterFunc(delay, func() { c.dial(gen) })
	attempt := c.attempts
	c.mx.Unlock()

	c.logger.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("reconnect scheduled")
	if changed {
		c.notifyState(model.StateReconnecting)
	}
}

// handleSocketError is the single recovery path for a dead socket. Only the
// pump that owns the current connection triggers a reconnect.
func (c *Connection) handleSocketError(conn *websocket.Conn, gen int) {
	c.mx.Lock()
	if gen != c.gen || c.conn != conn {
		c.mx.Unlock()
		return
	}
	c.conn = nil
	if c.deliberate {
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()
	c.scheduleRetry(gen)
}

func (c *Connection) readPump(conn *websocket.Conn, gen int) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadLineFunc(c.pongWait)
	})
	if err := readDeadLineFunc(c.pongWait); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
	}

RecvLoop:
	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Warn().Err(wsErr).Msg("connection closed")
			} else {
				c.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			break RecvLoop
		}

		var env model.Envelope
		if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
			c.logger.Error().Err(wsErr).Msg("failed to unmarshall incoming envelope")
			continue
		}
		c.dispatch(env)
	}

	_ = conn.Close()
	c.handleSocketError(conn, gen)
}

func (c *Connection) pingLoop(conn *websocket.Conn, gen int) {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	for range pingTicker.C {
		c.mx.Lock()
		active := gen == c.gen && c.conn == conn
		c.mx.Unlock()
		if !active {
			return
		}

		c.wmx.Lock()
		err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
		if err == nil {
			err = conn.WriteMessage(websocket.PingMessage, []byte{})
		}
		c.wmx.Unlock()
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to send ping")
			_ = conn.Close()
			return
		}
		c.logger.Trace().Msg("ping sent")
	}
}

func (c *Connection) dispatch(env model.Envelope) {
	c.subMx.Lock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.subMx.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Connection) notifyState(state model.ConnectionState) {
	c.subMx.Lock()
	ids := make([]int, 0, len(c.stateHandlers))
	for id := range c.stateHandlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]StateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.stateHandlers[id])
	}
	c.subMx.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func (c *Connection) closeSocket(conn *websocket.Conn) {
	c.wmx.Lock()
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			c.logger.Error().Err(wsErr).Msg("failed to send websocket close message")
		}
	}
	c.wmx.Unlock()
	if wsErr = conn.Close(); wsErr != nil {
		c.logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
