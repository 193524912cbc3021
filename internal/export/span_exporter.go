// Package export implements the span processing chain behind a session's
// tracer: an in-flight tracker, a bounded batching processor, and exporters
// that deliver batches to the collection endpoint.
package export

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fjacquet/agenttrace/internal/metrics"
	"github.com/fjacquet/agenttrace/internal/translate"
	"github.com/fjacquet/agenttrace/internal/wire"
)

// FieldInternal marks log entries produced by the pipeline itself so the
// session log hook can skip them and not feed exporter diagnostics back
// into the exporter.
const FieldInternal = "agenttrace.internal"

// EventPoster delivers one batch of event records to the collection
// endpoint. Satisfied by *wire.Client.
type EventPoster interface {
	PostEvents(ctx context.Context, sessionID string, records []wire.EventRecord) error
}

// SpanExporter converts finished spans into event records and posts them as
// a single batch. Delivery is at-most-once: a failed batch is counted and
// dropped. In strict mode the failure is returned to the caller instead.
type SpanExporter struct {
	sessionID string
	poster    EventPoster
	strict    bool
	stopped   atomic.Bool
}

// NewSpanExporter creates an exporter bound to one session.
func NewSpanExporter(sessionID string, poster EventPoster, strict bool) *SpanExporter {
	return &SpanExporter{
		sessionID: sessionID,
		poster:    poster,
		strict:    strict,
	}
}

// ExportSpans implements sdktrace.SpanExporter. After Shutdown it reports
// success without performing I/O, as does an empty batch.
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() || len(spans) == 0 {
		return nil
	}

	records := make([]wire.EventRecord, 0, len(spans))
	for _, s := range spans {
		records = append(records, recordFromSpan(s, e.sessionID))
	}

	if err := e.poster.PostEvents(ctx, e.sessionID, records); err != nil {
		metrics.ExportFailures.WithLabelValues("spans").Inc()
		if e.strict {
			return fmt.Errorf("export of %d spans failed: %w", len(records), err)
		}
		log.WithField(FieldInternal, true).WithFields(log.Fields{
			"session_id": e.sessionID,
			"spans":      len(records),
		}).WithError(err).Warn("Span batch delivery failed, batch dropped")
		return nil
	}

	metrics.SpansExported.Add(float64(len(records)))
	return nil
}

// Shutdown implements sdktrace.SpanExporter. It is idempotent; later export
// calls become silent no-ops.
func (e *SpanExporter) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	return nil
}

// recordFromSpan flattens one span into the event record shape the endpoint
// expects. Attribute keys are carried through as-is; identity and timing
// fields are added on top.
func recordFromSpan(s sdktrace.ReadOnlySpan, sessionID string) wire.EventRecord {
	sc := s.SpanContext()
	rec := wire.EventRecord{
		"session_id": sessionID,
		"span_name":  s.Name(),
		"trace_id":   sc.TraceID().String(),
		"span_id":    sc.SpanID().String(),
	}
	if parent := s.Parent(); parent.IsValid() {
		rec["parent_span_id"] = parent.SpanID().String()
	}
	if !s.StartTime().IsZero() {
		rec["init_timestamp"] = s.StartTime().UTC().Format(time.RFC3339Nano)
	}
	// In-flight spans are exported before they end and carry no end time.
	if !s.EndTime().IsZero() {
		rec["end_timestamp"] = s.EndTime().UTC().Format(time.RFC3339Nano)
	}

	eventType := s.Name()
	for _, kv := range s.Attributes() {
		key := string(kv.Key)
		rec[key] = kv.Value.AsInterface()
		if key == translate.AttrEventType {
			eventType = kv.Value.AsString()
		}
	}
	rec["event_type"] = eventType
	return rec
}
