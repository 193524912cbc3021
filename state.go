package agenttrace

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// SessionState is the lifecycle state of a session.
type SessionState string

// Session lifecycle states. INITIALIZING and RUNNING are the alive states;
// the other three are terminal.
const (
	StateInitializing  SessionState = "INITIALIZING"
	StateRunning       SessionState = "RUNNING"
	StateSucceeded     SessionState = "SUCCEEDED"
	StateFailed        SessionState = "FAILED"
	StateIndeterminate SessionState = "INDETERMINATE"
)

// IsAlive reports whether the session may still record events and mutate
// tags.
func (s SessionState) IsAlive() bool {
	return s == StateInitializing || s == StateRunning
}

// IsTerminal reports whether the session has ended.
func (s SessionState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateIndeterminate
}

// ParseEndState normalizes a string into a terminal session state.
// Matching is case-insensitive and accepts the common aliases "Success" and
// "Fail". Unrecognized input degrades to INDETERMINATE with a warning,
// never an error: a bad label must not prevent a session from ending.
func ParseEndState(s string) SessionState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "SUCCEEDED":
		return StateSucceeded
	case "FAIL", "FAILED":
		return StateFailed
	case "INDETERMINATE":
		return StateIndeterminate
	}
	log.Warnf("Invalid end state %q, defaulting to INDETERMINATE", s)
	return StateIndeterminate
}
