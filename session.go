package agenttrace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/fjacquet/agenttrace/event"
	"github.com/fjacquet/agenttrace/internal/pipeline"
	"github.com/fjacquet/agenttrace/internal/wire"
)

// ErrSessionNotRunning is returned when code records events or mutates tags
// on a session that is no longer alive.
var ErrSessionNotRunning = errors.New("session is not running")

const dashboardURL = "https://app.agenttrace.dev/drilldown?session_id="

// Session is one bounded unit of observed work. It is safe for concurrent
// use: producers on any goroutine may record events and mutate tags while
// the session is alive.
//
// Independent concerns are guarded by independent locks so that, for
// example, a slow server update during a tag change never blocks event
// recording.
type Session struct {
	// ID uniquely identifies the session. Immutable.
	ID uuid.UUID

	client *Client

	// stateMu guards the lifecycle fields.
	stateMu        sync.RWMutex
	state          SessionState
	initTimestamp  string
	endTimestamp   string
	endStateReason string

	tagsMu sync.Mutex
	tags   []string

	countsMu sync.Mutex
	counts   map[string]int

	costMu    sync.Mutex
	tokenCost decimal.Decimal

	// updateMu serializes server update calls so snapshots reach the
	// endpoint in a consistent order.
	updateMu sync.Mutex

	// endMu makes End idempotent under concurrency: the first caller ends
	// the session, later callers observe the terminal state and no-op.
	endMu sync.Mutex

	pipeMu sync.RWMutex
	pipe   *pipeline.Pipeline
}

func newSession(client *Client, tags []string) *Session {
	counts := make(map[string]int, len(event.Types))
	for _, t := range event.Types {
		counts[countKey(t)] = 0
	}
	return &Session{
		ID:            uuid.New(),
		client:        client,
		state:         StateInitializing,
		initTimestamp: event.Now(),
		tags:          dedupeTags(nil, tags),
		counts:        counts,
	}
}

// countKey maps an event category to its counter key in session records.
func countKey(t event.Type) string {
	return string(t) + "s"
}

func dedupeTags(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, lst := range [][]string{existing, incoming} {
		for _, tag := range lst {
			if tag == "" {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Tags returns a copy of the session's tags.
func (s *Session) Tags() []string {
	s.tagsMu.Lock()
	defer s.tagsMu.Unlock()
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// EventCounts returns a copy of the per-category event counters.
func (s *Session) EventCounts() map[string]int {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// TokenCost returns the latest server-authoritative token cost.
func (s *Session) TokenCost() decimal.Decimal {
	s.costMu.Lock()
	defer s.costMu.Unlock()
	return s.tokenCost
}

// URL returns the dashboard link for this session.
func (s *Session) URL() string {
	return dashboardURL + s.ID.String()
}

// TraceID returns the trace identity shared by every span the session
// produces. Zero until the session is running.
func (s *Session) TraceID() trace.TraceID {
	if p := s.pipelineRef(); p != nil {
		return p.TraceID()
	}
	return trace.TraceID{}
}

// Logger returns the session's telemetry log emitter, for use with
// logging.NewSessionHook. A no-op logger is returned while no pipeline is
// attached.
func (s *Session) Logger() otellog.Logger {
	if p := s.pipelineRef(); p != nil {
		return p.Logger()
	}
	return lognoop.NewLoggerProvider().Logger("agenttrace")
}

func (s *Session) setPipeline(p *pipeline.Pipeline) {
	s.pipeMu.Lock()
	s.pipe = p
	s.pipeMu.Unlock()
}

func (s *Session) pipelineRef() *pipeline.Pipeline {
	s.pipeMu.RLock()
	defer s.pipeMu.RUnlock()
	return s.pipe
}

// markRunning transitions INITIALIZING to RUNNING. Any other starting state
// is a failed start.
func (s *Session) markRunning() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateInitializing {
		return fmt.Errorf("cannot start session in state %s", s.state)
	}
	s.state = StateRunning
	return nil
}

// fail transitions the session to FAILED from any state, for unrecoverable
// initialization errors.
func (s *Session) fail(reason string) {
	s.stateMu.Lock()
	s.state = StateFailed
	s.endStateReason = reason
	if s.endTimestamp == "" {
		s.endTimestamp = event.Now()
	}
	s.stateMu.Unlock()
}

func (s *Session) setTokenCost(cost decimal.Decimal) {
	s.costMu.Lock()
	s.tokenCost = cost
	s.costMu.Unlock()
}

// snapshot captures the session's current record in wire shape.
func (s *Session) snapshot() wire.SessionSnapshot {
	s.stateMu.RLock()
	state := s.state
	snap := wire.SessionSnapshot{
		SessionID:      s.ID.String(),
		InitTimestamp:  s.initTimestamp,
		EndTimestamp:   s.endTimestamp,
		EndStateReason: s.endStateReason,
		IsRunning:      state.IsAlive(),
	}
	if state.IsTerminal() {
		snap.EndState = string(state)
	}
	s.stateMu.RUnlock()

	snap.Tags = s.Tags()
	snap.EventCounts = s.EventCounts()
	snap.TokenCost = s.TokenCost().String()
	return snap
}

// Record hands an event to the session. The event's end timestamp defaults
// to now when the producer has not closed it, its session back-reference is
// filled in, the per-category counter is incremented, and the event flows
// into the telemetry pipeline.
//
// Recording on a session that is not alive fails with ErrSessionNotRunning;
// nothing is counted or exported.
func (s *Session) Record(ev *event.Event) error {
	if ev == nil {
		return errors.New("cannot record a nil event")
	}
	if !s.State().IsAlive() {
		log.WithField("session_id", s.ID).Warnf("Cannot record %s event: %v", ev.Type, ErrSessionNotRunning)
		return ErrSessionNotRunning
	}

	ev.SessionID = s.ID
	if !ev.Ended() {
		_ = ev.End()
	}

	s.countsMu.Lock()
	s.counts[countKey(ev.Type)]++
	s.countsMu.Unlock()

	s.client.signals.EventRecorded.SendSafe(EventPayload{Session: s, Event: ev})
	return nil
}

// RecordAndFlush records the event and synchronously drains the pipeline.
// Useful right before process exit.
func (s *Session) RecordAndFlush(ctx context.Context, ev *event.Event) error {
	if err := s.Record(ev); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Flush drains queued spans and log records, bounded by the pipeline's
// flush timeout. In strict mode export failures surface here.
func (s *Session) Flush(ctx context.Context) error {
	p := s.pipelineRef()
	if p == nil {
		return nil
	}
	return p.Flush(ctx)
}

// AddTags appends tags (deduplicated, order preserved) and pushes the
// updated session record to the endpoint.
func (s *Session) AddTags(ctx context.Context, tags ...string) error {
	if !s.State().IsAlive() {
		return ErrSessionNotRunning
	}
	s.tagsMu.Lock()
	s.tags = dedupeTags(s.tags, tags)
	s.tagsMu.Unlock()
	return s.pushUpdate(ctx)
}

// SetTags replaces the session's tags and pushes the updated session record
// to the endpoint.
func (s *Session) SetTags(ctx context.Context, tags ...string) error {
	if !s.State().IsAlive() {
		return ErrSessionNotRunning
	}
	s.tagsMu.Lock()
	s.tags = dedupeTags(nil, tags)
	s.tagsMu.Unlock()
	return s.pushUpdate(ctx)
}

// pushUpdate sends the current snapshot to the endpoint and refreshes the
// token cost from the reply. Failures are logged and swallowed unless
// strict mode is on: a flaky endpoint must not break tag bookkeeping.
func (s *Session) pushUpdate(ctx context.Context) error {
	s.updateMu.Lock()
	cost, err := s.client.api.UpdateSession(ctx, s.snapshot())
	s.updateMu.Unlock()
	if err != nil {
		log.WithField("session_id", s.ID).WithError(err).Warn("Session update failed")
		if s.client.cfg.Strict {
			return err
		}
		return nil
	}
	s.setTokenCost(cost)
	s.client.signals.SessionUpdated.SendSafe(SessionPayload{Session: s})
	return nil
}

// End terminates the session: flush and tear down the pipeline, assign the
// terminal state, push the final session record, and leave the registry.
//
// End is idempotent. Concurrent and repeated calls perform the update and
// flush exactly once; later callers get the already-settled token cost and
// a nil error. A non-terminal state argument degrades to INDETERMINATE with
// a warning.
func (s *Session) End(ctx context.Context, state SessionState, reason string) (decimal.Decimal, error) {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	if s.State().IsTerminal() {
		return s.TokenCost(), nil
	}

	if !state.IsTerminal() {
		state = ParseEndState(string(state))
	}

	s.client.signals.SessionEnding.SendSafe(SessionPayload{Session: s})

	// Drain and tear down telemetry before the final update so the record
	// reflects everything that was exported.
	var flushErr error
	if p := s.pipelineRef(); p != nil {
		flushErr = p.Flush(ctx)
		p.Shutdown(ctx)
	}

	s.stateMu.Lock()
	s.state = state
	s.endTimestamp = event.Now()
	s.endStateReason = reason
	s.stateMu.Unlock()

	s.updateMu.Lock()
	cost, err := s.client.api.UpdateSession(ctx, s.snapshot())
	s.updateMu.Unlock()
	if err != nil {
		log.WithField("session_id", s.ID).WithError(err).Warn("Final session update failed")
	} else {
		s.setTokenCost(cost)
	}

	s.client.signals.SessionEnded.SendSafe(SessionPayload{Session: s})
	log.WithField("session_id", s.ID).Info(s.Analytics())
	log.Infof("Session replay: %s", s.URL())

	if s.client.cfg.Strict {
		if flushErr != nil {
			return s.TokenCost(), flushErr
		}
		if err != nil {
			return s.TokenCost(), err
		}
	}
	return s.TokenCost(), nil
}

// Analytics returns a one-line end-of-session summary.
func (s *Session) Analytics() string {
	counts := s.EventCounts()
	return fmt.Sprintf("Session Stats - Duration: %s | Cost: $%s | LLMs: %d | Tools: %d | Actions: %d | Errors: %d",
		s.duration(),
		s.TokenCost().StringFixed(6),
		counts[countKey(event.TypeLLM)],
		counts[countKey(event.TypeTool)],
		counts[countKey(event.TypeAction)],
		counts[countKey(event.TypeError)],
	)
}

// duration formats the session's elapsed time as h/m/s, e.g. "1h 2m 3.4s".
func (s *Session) duration() string {
	s.stateMu.RLock()
	initTS, endTS := s.initTimestamp, s.endTimestamp
	s.stateMu.RUnlock()

	start, ok := event.ParseTime(initTS)
	if !ok {
		return "0.0s"
	}
	end, ok := event.ParseTime(endTS)
	if !ok {
		end = time.Now().UTC()
	}

	d := end.Sub(start)
	if d < 0 {
		d = 0
	}

	var parts []string
	if h := int(d.Hours()); h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m := int(d.Minutes()) % 60; m > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	secs := d.Seconds() - float64(int(d.Minutes()))*60
	parts = append(parts, fmt.Sprintf("%.1fs", secs))
	return strings.Join(parts, " ")
}
