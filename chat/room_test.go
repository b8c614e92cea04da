package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gatherline/realtime/model"
	"github.com/gatherline/realtime/protocol"
)

type fakeSender struct {
	connected bool
	sent      []model.Envelope
}

func (f *fakeSender) Send(env model.Envelope) bool {
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

type fakeQueue struct {
	queued []model.Envelope
}

func (f *fakeQueue) Enqueue(env model.Envelope) {
	f.queued = append(f.queued, env)
}

func newRoom(t *testing.T, sender *fakeSender, queue *fakeQueue, opts ...func(*Config)) *Room {
	t.Helper()
	logger := zerolog.Nop()
	cfg := Config{
		Logger:   &logger,
		Sender:   sender,
		Queue:    queue,
		RoomID:   "r1",
		UserID:   "me",
		UserName: "Me",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewRoom(cfg)
}

func inbound(id, userID, content string) model.Envelope {
	return model.Envelope{
		ID:        id,
		Type:      model.TypeChatMessage,
		RoomID:    "r1",
		UserID:    userID,
		Data:      model.Payload{Content: content},
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestRoom_SendMessageValidation(t *testing.T) {
	sender := &fakeSender{connected: true}
	queue := &fakeQueue{}
	room := newRoom(t, sender, queue)

	_, err := room.SendMessage("")
	require.ErrorIs(t, err, protocol.ErrEmptyMessage)

	_, err = room.SendMessage(strings.Repeat("x", protocol.DefaultMaxMessageLength+1))
	require.ErrorIs(t, err, protocol.ErrMessageTooLong)

	// rejected messages never reach the transport or the queue
	require.Empty(t, sender.sent)
	require.Empty(t, queue.queued)
	require.Empty(t, room.Messages())
}

func TestRoom_SendMessageConnected(t *testing.T) {
	sender := &fakeSender{connected: true}
	room := newRoom(t, sender, &fakeQueue{})

	delivery, err := room.SendMessage("hello")
	require.NoError(t, err)
	require.Equal(t, DeliverySent, delivery)
	require.Len(t, sender.sent, 1)

	msgs := room.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "me", msgs[0].UserID)
	require.Equal(t, sender.sent[0].ID, msgs[0].ID)
}

func TestRoom_SendMessageDisconnectedQueuesAndEchoDedupes(t *testing.T) {
	sender := &fakeSender{}
	queue := &fakeQueue{}
	room := newRoom(t, sender, queue)

	delivery, err := room.SendMessage("hello")
	require.NoError(t, err)
	require.Equal(t, DeliveryQueued, delivery)
	require.Len(t, queue.queued, 1)

	// optimistic echo: visible locally before any ack
	msgs := room.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, queue.queued[0].ID, msgs[0].ID)

	// server echo with the same id must not append twice
	room.HandleEnvelope(queue.queued[0])
	require.Len(t, room.Messages(), 1)
}

func TestRoom_InboundDuplicateIgnored(t *testing.T) {
	room := newRoom(t, &fakeSender{}, &fakeQueue{})

	room.HandleEnvelope(inbound("m1", "u2", "hi"))
	room.HandleEnvelope(inbound("m1", "u2", "hi"))

	require.Len(t, room.Messages(), 1)
}

func TestRoom_CapEvictsOldestFIFO(t *testing.T) {
	room := newRoom(t, &fakeSender{}, &fakeQueue{}, func(cfg *Config) {
		cfg.MaxMessages = 3
	})

	for i := 1; i <= 5; i++ {
		room.HandleEnvelope(inbound(fmt.Sprintf("m%d", i), "u2", fmt.Sprintf("msg %d", i)))
	}

	msgs := room.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "m3", msgs[0].ID)
	require.Equal(t, "m4", msgs[1].ID)
	require.Equal(t, "m5", msgs[2].ID)
}

func TestRoom_TypingLifecycle(t *testing.T) {
	room := newRoom(t, &fakeSender{}, &fakeQueue{}, func(cfg *Config) {
		cfg.TypingTimeout = 50 * time.Millisecond
	})

	start := model.Envelope{
		ID:        "t1",
		Type:      model.TypeTypingStart,
		RoomID:    "r1",
		UserID:    "u2",
		Data:      model.Payload{UserName: "Other"},
		Timestamp: time.Now().UnixMilli(),
	}
	room.HandleEnvelope(start)

	typing := room.TypingUsers()
	require.Len(t, typing, 1)
	require.Equal(t, "u2", typing[0].UserID)
	require.Equal(t, "Other", typing[0].UserName)

	// explicit stop removes the entry
	stop := start
	stop.ID = "t2"
	stop.Type = model.TypeTypingStop
	room.HandleEnvelope(stop)
	require.Empty(t, room.TypingUsers())

	// without a stop, the entry expires within the timeout window
	start.ID = "t3"
	room.HandleEnvelope(start)
	require.Len(t, room.TypingUsers(), 1)
	time.Sleep(80 * time.Millisecond)
	require.Empty(t, room.TypingUsers())
}

func TestRoom_TypingExcludesLocalUser(t *testing.T) {
	room := newRoom(t, &fakeSender{}, &fakeQueue{})

	room.HandleEnvelope(model.Envelope{
		ID:        "t1",
		Type:      model.TypeTypingStart,
		RoomID:    "r1",
		UserID:    "me",
		Timestamp: time.Now().UnixMilli(),
	})

	require.Empty(t, room.TypingUsers())
}

func TestRoom_StartTypingThrottled(t *testing.T) {
	sender := &fakeSender{connected: true}
	room := newRoom(t, sender, &fakeQueue{})

	room.StartTyping()
	room.StartTyping()
	room.StartTyping()
	require.Len(t, sender.sent, 1)
	require.Equal(t, model.TypeTypingStart, sender.sent[0].Type)

	// stop resets the throttle window
	room.StopTyping()
	require.Len(t, sender.sent, 2)
	require.Equal(t, model.TypeTypingStop, sender.sent[1].Type)

	room.StartTyping()
	require.Len(t, sender.sent, 3)
	require.Equal(t, model.TypeTypingStart, sender.sent[2].Type)
}

func TestRoom_StartTypingDroppedWhileDisconnected(t *testing.T) {
	sender := &fakeSender{}
	queue := &fakeQueue{}
	room := newRoom(t, sender, queue)

	room.StartTyping()

	// ephemeral signals are never queued for replay
	require.Empty(t, queue.queued)
}
