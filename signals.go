package agenttrace

import (
	"github.com/fjacquet/agenttrace/event"
	"github.com/fjacquet/agenttrace/internal/bus"
)

// SessionPayload accompanies session lifecycle signals.
type SessionPayload struct {
	Session *Session
}

// EventPayload accompanies the event-recorded signal.
type EventPayload struct {
	Session *Session
	Event   *event.Event
}

// Signals are the client's lifecycle notification channels. The client
// wires its own handlers (pipeline construction, event dispatch, registry
// bookkeeping) onto them; hosts and tests may connect additional handlers
// or rewire existing ones by name.
//
// Dispatch is synchronous and in registration order. Lifecycle-critical
// signals (SessionStarted) propagate handler errors to the sender;
// the rest isolate handler failures.
type Signals struct {
	SessionInitializing *bus.Signal[SessionPayload]
	SessionStarted      *bus.Signal[SessionPayload]
	EventRecorded       *bus.Signal[EventPayload]
	SessionUpdated      *bus.Signal[SessionPayload]
	SessionEnding       *bus.Signal[SessionPayload]
	SessionEnded        *bus.Signal[SessionPayload]
}

func newSignals() *Signals {
	return &Signals{
		SessionInitializing: bus.New[SessionPayload]("session_initializing"),
		SessionStarted:      bus.New[SessionPayload]("session_started"),
		EventRecorded:       bus.New[EventPayload]("event_recorded"),
		SessionUpdated:      bus.New[SessionPayload]("session_updated"),
		SessionEnding:       bus.New[SessionPayload]("session_ending"),
		SessionEnded:        bus.New[SessionPayload]("session_ended"),
	}
}
