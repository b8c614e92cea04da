package model

import "time"

// ConnectionState describes the lifecycle of the single transport connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Envelope types exchanged with the backend.
const (
	TypeJoinRoom       = "join-room"
	TypeLeaveRoom      = "leave-room"
	TypeChatMessage    = "chat-message"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
	TypePresenceUpdate = "presence-update"
)

// Payload carries the type-specific portion of an envelope. Fields not
// relevant for a given envelope type are left empty and omitted on the wire.
type Payload struct {
	Content  string `json:"content,omitempty"`
	Status   Status `json:"status,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// Envelope is the unit of wire exchange. Immutable once constructed;
// ID is generated locally for outbound envelopes and used for
// de-duplication on both ends.
type Envelope struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	RoomID    string  `json:"room_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Data      Payload `json:"data"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// ChatMessage is one entry of a room's ordered message log.
type ChatMessage struct {
	ID        string
	RoomID    string
	UserID    string
	Content   string
	Timestamp int64
}

// TypingUser is an ephemeral typing indicator entry. One entry exists
// per (room, user); a repeated typing-start refreshes ExpiresAt.
type TypingUser struct {
	UserID    string
	UserName  string
	RoomID    string
	ExpiresAt time.Time
}

// Status is a user's presence status, broadcast by the backend.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the recognized presence statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}
