package council

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of one entity's execution.
//
// NOTE: These values are persisted in status.json and read by external
// presentation layers; they are part of the on-disk contract.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateRetrying   State = "retrying"
	StateDone       State = "done"
	StateError      State = "error"
	StateMissingCLI State = "missing_cli"
	StateTimedOut   State = "timed_out"
	StateCanceled   State = "canceled"
)

// AllStates lists every state in display order.
var AllStates = []State{
	StateQueued,
	StateRunning,
	StateRetrying,
	StateDone,
	StateError,
	StateMissingCLI,
	StateTimedOut,
	StateCanceled,
}

func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateMissingCLI, StateTimedOut, StateCanceled:
		return true
	default:
		return false
	}
}

// Active reports whether a worker is still expected to write s forward.
func (s State) Active() bool {
	return s == StateQueued || s == StateRunning || s == StateRetrying
}

// DefaultEntityKey names the JSON field carrying the entity display name.
const DefaultEntityKey = "member"

// StatusRecord is the mutable per-entity record stored in status.json.
//
// The display name is written under a job-configurable key (EntityKey), so
// the record has hand-written JSON methods. Set EntityKey before decoding to
// have the name picked up.
type StatusRecord struct {
	EntityKey  string
	Entity     string
	State      State
	QueuedAt   *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Command    string
	PID        *int
	Attempt    int
	ExitCode   *int
	Signal     *string
	Message    *string
}

type statusFields struct {
	State      State      `json:"state"`
	QueuedAt   *time.Time `json:"queuedAt"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	Command    string     `json:"command"`
	PID        *int       `json:"pid"`
	Attempt    int        `json:"attempt"`
	ExitCode   *int       `json:"exitCode"`
	Signal     *string    `json:"signal"`
	Message    *string    `json:"message"`
}

var reservedEntityKeys = map[string]bool{
	"state": true, "queuedAt": true, "startedAt": true, "finishedAt": true,
	"command": true, "pid": true, "attempt": true, "exitCode": true,
	"signal": true, "message": true,
}

// ValidEntityKey rejects empty keys and keys that would shadow a record field.
func ValidEntityKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: entity key is empty", ErrInvalidArgument)
	}
	if reservedEntityKeys[key] {
		return fmt.Errorf("%w: entity key %q collides with a status field", ErrInvalidArgument, key)
	}
	return nil
}

func (r StatusRecord) key() string {
	if r.EntityKey == "" {
		return DefaultEntityKey
	}
	return r.EntityKey
}

func (r StatusRecord) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(statusFields{
		State:      r.State,
		QueuedAt:   r.QueuedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Command:    r.Command,
		PID:        r.PID,
		Attempt:    r.Attempt,
		ExitCode:   r.ExitCode,
		Signal:     r.Signal,
		Message:    r.Message,
	})
	if err != nil {
		return nil, err
	}
	key, err := json.Marshal(r.key())
	if err != nil {
		return nil, err
	}
	name, err := json.Marshal(r.Entity)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(name)
	buf.WriteByte(',')
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

func (r *StatusRecord) UnmarshalJSON(data []byte) error {
	var fields statusFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.State = fields.State
	r.QueuedAt = fields.QueuedAt
	r.StartedAt = fields.StartedAt
	r.FinishedAt = fields.FinishedAt
	r.Command = fields.Command
	r.PID = fields.PID
	r.Attempt = fields.Attempt
	r.ExitCode = fields.ExitCode
	r.Signal = fields.Signal
	r.Message = fields.Message
	if name, ok := raw[r.key()]; ok {
		var s string
		if err := json.Unmarshal(name, &s); err == nil {
			r.Entity = s
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
