package council

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRecord_EntityKey(t *testing.T) {
	queued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := StatusRecord{
		EntityKey: "reviewer",
		Entity:    "Claude Opus",
		State:     StateError,
		QueuedAt:  &queued,
		Command:   "claude -p",
		PID:       ptr(4242),
		Attempt:   2,
		ExitCode:  ptr(1),
		Message:   ptr("exited with code 1"),
	}

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "Claude Opus", raw["reviewer"])
	assert.NotContains(t, raw, "member")
	assert.Equal(t, "error", raw["state"])
	assert.Nil(t, raw["signal"])
	assert.Nil(t, raw["startedAt"])
	assert.EqualValues(t, 4242, raw["pid"])

	got := StatusRecord{EntityKey: "reviewer"}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, rec.Entity, got.Entity)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, 2, got.Attempt)
	require.NotNil(t, got.QueuedAt)
	assert.True(t, queued.Equal(*got.QueuedAt))

	// Decoding with a different key leaves the name empty instead of guessing.
	other := StatusRecord{EntityKey: "member"}
	require.NoError(t, json.Unmarshal(b, &other))
	assert.Empty(t, other.Entity)
}

func TestStatusRecord_DefaultKey(t *testing.T) {
	b, err := json.Marshal(StatusRecord{Entity: "gemini", State: StateQueued})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"member":"gemini"`)
}

func TestValidEntityKey(t *testing.T) {
	assert.NoError(t, ValidEntityKey("member"))
	assert.NoError(t, ValidEntityKey("reviewer"))
	assert.ErrorIs(t, ValidEntityKey(""), ErrInvalidArgument)
	assert.ErrorIs(t, ValidEntityKey("state"), ErrInvalidArgument)
	assert.ErrorIs(t, ValidEntityKey("pid"), ErrInvalidArgument)
}

func TestStateClassification(t *testing.T) {
	for _, s := range AllStates {
		assert.True(t, s.Valid(), s)
		assert.NotEqual(t, s.Terminal(), s.Active(), "%s must be exactly one of terminal or active", s)
	}
	assert.False(t, State("paused").Valid())
}

func TestOverallState(t *testing.T) {
	tests := []struct {
		name   string
		counts map[State]int
		want   State
	}{
		{"empty", map[State]int{}, StateDone},
		{"all terminal", map[State]int{StateDone: 1, StateError: 1, StateMissingCLI: 1}, StateDone},
		{"queued only", map[State]int{StateQueued: 2, StateDone: 1}, StateQueued},
		{"running wins", map[State]int{StateQueued: 1, StateRunning: 1}, StateRunning},
		{"retrying counts as running", map[State]int{StateQueued: 1, StateRetrying: 1}, StateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overallState(tt.counts))
		})
	}
}
