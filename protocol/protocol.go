// Package protocol holds stateless helpers shared by the chat and presence
// services: envelope construction and validation, and timestamp formatting
// for display.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatherline/realtime/model"
)

const (
	// DefaultMaxMessageLength bounds chat message content.
	DefaultMaxMessageLength = 4000
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content exceeds maximum length")
	ErrMissingID      = errors.New("envelope has no id")
	ErrUnknownType    = errors.New("envelope type is not recognized")
	ErrBadTimestamp   = errors.New("envelope timestamp is not positive")
)

// NewEnvelope constructs an outbound envelope with a locally generated
// unique id and the current wall-clock timestamp.
func NewEnvelope(typ, roomID, userID string, data model.Payload) model.Envelope {
	return model.Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		RoomID:    roomID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ValidateContent rejects empty and oversized message content before any
// send attempt. maxLength <= 0 falls back to DefaultMaxMessageLength.
func ValidateContent(content string, maxLength int) error {
	if content == "" {
		return ErrEmptyMessage
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	if len(content) > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, len(content), maxLength)
	}
	return nil
}

// ValidateEnvelope checks the invariants every inbound envelope must hold
// before it is dispatched to a service.
func ValidateEnvelope(env model.Envelope) error {
	if env.ID == "" {
		return ErrMissingID
	}
	if env.Timestamp <= 0 {
		return ErrBadTimestamp
	}
	switch env.Type {
	case model.TypeJoinRoom, model.TypeLeaveRoom, model.TypeChatMessage,
		model.TypeTypingStart, model.TypeTypingStop, model.TypePresenceUpdate:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// FormatTimestamp renders a unix-millisecond timestamp for display,
// as local wall-clock time.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Local().Format("15:04")
}
