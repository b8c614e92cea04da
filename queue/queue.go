// Package queue buffers outbound envelopes that could not be sent
// immediately and replays them, in enqueue order, once the transport
// reconnects.
package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatherline/realtime/model"
)

const defaultCapacity = 50

// Sender is the slice of the transport the queue needs.
type Sender interface {
	Send(model.Envelope) bool
}

// Queued is an envelope waiting for the next flush.
type Queued struct {
	Envelope   model.Envelope
	Attempts   int
	EnqueuedAt time.Time
}

type Config struct {
	Logger   *zerolog.Logger
	Sender   Sender
	Capacity int

	// OnDrop is called with every envelope lost to capacity overflow.
	// Overflow is a silent data-loss path otherwise; it is never an error.
	OnDrop func(model.Envelope)
}

type Queue struct {
	logger   zerolog.Logger
	sender   Sender
	capacity int
	onDrop   func(model.Envelope)

	mx    sync.Mutex
	items []Queued
}

func New(cfg Config) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		logger:   cfg.Logger.With().Str("component", "queue").Logger(),
		sender:   cfg.Sender,
		capacity: capacity,
		onDrop:   cfg.OnDrop,
	}
}

// Enqueue appends an envelope and returns immediately. At capacity the
// oldest entry is dropped in favor of the most recent intent.
func (q *Queue) Enqueue(env model.Envelope) {
	var dropped *model.Envelope

	q.mx.Lock()
	if len(q.items) == q.capacity {
		d := q.items[0].Envelope
		dropped = &d
		q.items = q.items[1:]
	}
	q.items = append(q.items, Queued{Envelope: env, EnqueuedAt: time.Now()})
	q.mx.Unlock()

	if dropped != nil {
		q.logger.Warn().Str("id", dropped.ID).Str("type", dropped.Type).
			Msg("queue full, oldest envelope dropped")
		if q.onDrop != nil {
			q.onDrop(*dropped)
		}
	}
	q.logger.Debug().Str("id", env.ID).Str("type", env.Type).Msg("envelope queued")
}

// Flush attempts to send queued envelopes in original enqueue order and
// returns how many were sent. It stops at the first failed send so a later
// envelope never overtakes an earlier one; the failed entry stays queued
// with its attempt counter incremented.
func (q *Queue) Flush() int {
	q.mx.Lock()
	defer q.mx.Unlock()

	var sent int
	for len(q.items) > 0 {
		if !q.sender.Send(q.items[0].Envelope) {
			q.items[0].Attempts++
			break
		}
		q.items = q.items[1:]
		sent++
	}
	if sent > 0 {
		q.logger.Debug().Int("sent", sent).Int("remaining", len(q.items)).Msg("queue flushed")
	}
	return sent
}

// Cancel removes a queued envelope by id. Returns false if it is no longer
// queued (already flushed or dropped).
func (q *Queue) Cancel(id string) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	for i, it := range q.items {
		if it.Envelope.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued entries, oldest first.
func (q *Queue) Pending() []Queued {
	q.mx.Lock()
	defer q.mx.Unlock()
	out := make([]Queued, len(q.items))
	copy(out, q.items)
	return out
}
