// Package event defines the discrete occurrences recorded into a session:
// LLM calls, agent actions, tool calls, API calls and errors.
//
// An Event is a tagged union: a common header (identity, category,
// timestamps, back-references) plus exactly one category-specific payload.
// Events are immutable once handed to a session, with a single exception:
// the terminal timestamp may be assigned exactly once.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the event category discriminant.
type Type string

// Event categories. The values appear verbatim in exported event records.
const (
	TypeLLM    Type = "llm"
	TypeAction Type = "action"
	TypeTool   Type = "tool"
	TypeAPI    Type = "api"
	TypeError  Type = "error"
)

// Types lists every event category, in a stable order. Used to initialize
// per-session event counters.
var Types = []Type{TypeLLM, TypeAction, TypeTool, TypeAPI, TypeError}

// ErrAlreadyEnded is returned when code attempts to assign an event's
// terminal timestamp a second time. Overwriting a terminal timestamp is a
// programming error and must fail loudly rather than silently reorder
// history.
var ErrAlreadyEnded = fmt.Errorf("event already has a terminal timestamp")

// Now returns the current UTC time as an ISO-8601 string, the timestamp
// format used throughout event records and the wire format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ParseTime converts an ISO-8601 timestamp back into a time.Time.
// The zero time and false are returned for empty or malformed input.
func ParseTime(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Event is an immutable-after-construction record of one occurrence.
// Exactly one of the payload pointers is non-nil, matching Type.
type Event struct {
	// ID uniquely identifies the event.
	ID uuid.UUID

	// Type is the category discriminant.
	Type Type

	// InitTimestamp is set at construction (ISO-8601).
	InitTimestamp string

	// EndTimestamp is empty until the event is closed. Assigned at most
	// once; see End.
	EndTimestamp string

	// SessionID back-references the owning session. Set by the session
	// when the event is recorded; not ownership.
	SessionID uuid.UUID

	// AgentID optionally identifies the agent that triggered the event.
	AgentID string

	LLM    *LLMDetails
	Action *ActionDetails
	Tool   *ToolDetails
	API    *APIDetails
	Error  *ErrorDetails
}

// LLMDetails carries the payload of a TypeLLM event.
type LLMDetails struct {
	Model            string
	Prompt           any
	Completion       any
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// ActionDetails carries the payload of a TypeAction event.
type ActionDetails struct {
	ActionType string
	Params     map[string]any
	Returns    any
	Logs       any
	Screenshot string
}

// ToolDetails carries the payload of a TypeTool event.
type ToolDetails struct {
	Name    string
	Params  map[string]any
	Returns any
	Logs    any
}

// APIDetails carries the payload of a TypeAPI event.
type APIDetails struct {
	Name   string
	Params map[string]any
}

// ErrorDetails carries the payload of a TypeError event. TriggerID and
// TriggerType reference the event that caused the error; only the identity
// is kept, never the trigger object, so an error does not retain unrelated
// event graphs.
type ErrorDetails struct {
	ErrorType   string
	Details     string
	Code        string
	Logs        string
	TriggerID   uuid.UUID
	TriggerType Type
}

func newEvent(t Type) *Event {
	return &Event{
		ID:            uuid.New(),
		Type:          t,
		InitTimestamp: Now(),
	}
}

// NewLLM creates an LLM call event. The init timestamp defaults to now.
func NewLLM(details LLMDetails) *Event {
	ev := newEvent(TypeLLM)
	ev.LLM = &details
	return ev
}

// NewAction creates a generic action event.
func NewAction(details ActionDetails) *Event {
	ev := newEvent(TypeAction)
	ev.Action = &details
	return ev
}

// NewTool creates a tool call event.
func NewTool(details ToolDetails) *Event {
	ev := newEvent(TypeTool)
	ev.Tool = &details
	return ev
}

// NewAPI creates a generic API call event.
func NewAPI(details APIDetails) *Event {
	ev := newEvent(TypeAPI)
	ev.API = &details
	return ev
}

// NewError creates an error event from an error value. When trigger is
// non-nil its id and type are copied into the details as a reference.
// Error events are closed immediately: an error has no duration.
func NewError(err error, trigger *Event) *Event {
	ev := newEvent(TypeError)
	details := ErrorDetails{}
	if err != nil {
		details.ErrorType = fmt.Sprintf("%T", err)
		details.Details = err.Error()
	}
	if trigger != nil {
		details.TriggerID = trigger.ID
		details.TriggerType = trigger.Type
	}
	ev.Error = &details
	ev.EndTimestamp = ev.InitTimestamp
	return ev
}

// End assigns the terminal timestamp. It may be called at most once;
// a second call returns ErrAlreadyEnded and leaves the timestamp untouched.
func (e *Event) End() error {
	return e.EndAt(Now())
}

// EndAt assigns an explicit terminal timestamp, with the same
// assign-at-most-once contract as End.
func (e *Event) EndAt(ts string) error {
	if e.EndTimestamp != "" {
		return ErrAlreadyEnded
	}
	e.EndTimestamp = ts
	return nil
}

// Ended reports whether the terminal timestamp has been assigned.
func (e *Event) Ended() bool {
	return e.EndTimestamp != ""
}
