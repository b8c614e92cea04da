package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatherline/realtime/model"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	env := NewEnvelope(model.TypeChatMessage, "r1", "u1", model.Payload{Content: "hi"})
	after := time.Now().UnixMilli()

	require.NotEmpty(t, env.ID)
	require.Equal(t, model.TypeChatMessage, env.Type)
	require.Equal(t, "r1", env.RoomID)
	require.Equal(t, "u1", env.UserID)
	require.Equal(t, "hi", env.Data.Content)
	require.GreaterOrEqual(t, env.Timestamp, before)
	require.LessOrEqual(t, env.Timestamp, after)

	other := NewEnvelope(model.TypeChatMessage, "r1", "u1", model.Payload{Content: "hi"})
	require.NotEqual(t, env.ID, other.ID)
}

func TestValidateContent(t *testing.T) {
	require.ErrorIs(t, ValidateContent("", 100), ErrEmptyMessage)
	require.ErrorIs(t, ValidateContent(strings.Repeat("x", 101), 100), ErrMessageTooLong)
	require.NoError(t, ValidateContent(strings.Repeat("x", 100), 100))

	// zero max falls back to the default
	require.NoError(t, ValidateContent(strings.Repeat("x", DefaultMaxMessageLength), 0))
	require.ErrorIs(t, ValidateContent(strings.Repeat("x", DefaultMaxMessageLength+1), 0), ErrMessageTooLong)
}

func TestValidateEnvelope(t *testing.T) {
	valid := NewEnvelope(model.TypePresenceUpdate, "", "u1", model.Payload{Status: model.StatusAway})
	require.NoError(t, ValidateEnvelope(valid))

	noID := valid
	noID.ID = ""
	require.ErrorIs(t, ValidateEnvelope(noID), ErrMissingID)

	noTS := valid
	noTS.Timestamp = 0
	require.ErrorIs(t, ValidateEnvelope(noTS), ErrBadTimestamp)

	badType := valid
	badType.Type = "shrug"
	require.ErrorIs(t, ValidateEnvelope(badType), ErrUnknownType)
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 13, 37, 0, 0, time.Local)
	require.Equal(t, "13:37", FormatTimestamp(ts.UnixMilli()))
}
