// Package bus provides typed, synchronous signals that decouple the session
// entity from its consumers (telemetry pipeline, analytics, logging).
//
// Each signal carries one payload type, checked at compile time. Handlers are
// invoked synchronously on the sending goroutine, in registration order, so a
// consumer observes session lifecycle transitions in the order they happen.
// No consumer ever calls another directly; all coordination goes through
// signals.
package bus

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler processes one signal payload. Returning an error aborts delivery
// to later handlers and propagates the error to the sender.
type Handler[T any] func(payload T) error

type namedHandler[T any] struct {
	name string
	fn   Handler[T]
}

// Signal is a typed, named pub/sub channel.
//
// Connecting under an existing name replaces the previous handler in place,
// so tests can rewire a signal repeatedly without accumulating duplicate
// subscriptions. Re-entrant Send from within a handler is permitted: the
// handler list is snapshotted before dispatch and no lock is held while
// handlers run.
type Signal[T any] struct {
	name     string
	mu       sync.RWMutex
	handlers []namedHandler[T]
}

// New creates a named signal. The name appears in log output only.
func New[T any](name string) *Signal[T] {
	return &Signal[T]{name: name}
}

// Name returns the signal's name.
func (s *Signal[T]) Name() string {
	return s.name
}

// Connect registers a handler under the given name. If a handler is already
// registered under that name it is replaced, keeping its position in the
// dispatch order.
func (s *Signal[T]) Connect(name string, fn Handler[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.name == name {
			s.handlers[i].fn = fn
			return
		}
	}
	s.handlers = append(s.handlers, namedHandler[T]{name: name, fn: fn})
}

// Disconnect removes the handler registered under the given name.
// Disconnecting a name that is not connected is a no-op.
func (s *Signal[T]) Disconnect(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.name == name {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Send invokes every connected handler synchronously, in registration order,
// on the calling goroutine. The first handler error aborts dispatch and is
// returned to the sender. Lifecycle-critical senders use Send so that a
// failing consumer (for example, pipeline construction) is visible to them.
func (s *Signal[T]) Send(payload T) error {
	for _, h := range s.snapshot() {
		if err := h.fn(payload); err != nil {
			return err
		}
	}
	return nil
}

// SendSafe invokes every connected handler, isolating failures: handler
// errors and panics are logged and dispatch continues. Senders that must not
// be disturbed by a misbehaving consumer (periodic exporters, analytics)
// use this variant.
func (s *Signal[T]) SendSafe(payload T) {
	for _, h := range s.snapshot() {
		s.dispatchSafe(h, payload)
	}
}

func (s *Signal[T]) dispatchSafe(h namedHandler[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("signal %s: handler %s panicked: %v", s.name, h.name, r)
		}
	}()
	if err := h.fn(payload); err != nil {
		log.Errorf("signal %s: handler %s failed: %v", s.name, h.name, err)
	}
}

func (s *Signal[T]) snapshot() []namedHandler[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]namedHandler[T], len(s.handlers))
	copy(out, s.handlers)
	return out
}
