package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/fjacquet/agenttrace/internal/metrics"
)

// LogPoster delivers one batch of serialized log records. Satisfied by
// *wire.Client.
type LogPoster interface {
	PutLogs(ctx context.Context, sessionID string, records []json.RawMessage) error
}

// LogExporter serializes log records and posts them to the per-session log
// endpoint. Same delivery contract as SpanExporter: at-most-once, failures
// counted and dropped unless strict mode is on.
type LogExporter struct {
	sessionID string
	poster    LogPoster
	strict    bool
	stopped   atomic.Bool
}

// NewLogExporter creates a log exporter bound to one session.
func NewLogExporter(sessionID string, poster LogPoster, strict bool) *LogExporter {
	return &LogExporter{
		sessionID: sessionID,
		poster:    poster,
		strict:    strict,
	}
}

// Export implements sdklog.Exporter.
func (e *LogExporter) Export(ctx context.Context, records []sdklog.Record) error {
	if e.stopped.Load() || len(records) == 0 {
		return nil
	}

	out := make([]json.RawMessage, 0, len(records))
	for i := range records {
		raw, err := encodeLogRecord(&records[i])
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	if len(out) == 0 {
		return nil
	}

	if err := e.poster.PutLogs(ctx, e.sessionID, out); err != nil {
		metrics.ExportFailures.WithLabelValues("logs").Inc()
		if e.strict {
			return fmt.Errorf("export of %d log records failed: %w", len(out), err)
		}
		log.WithField(FieldInternal, true).WithFields(log.Fields{
			"session_id": e.sessionID,
			"records":    len(out),
		}).WithError(err).Warn("Log batch delivery failed, batch dropped")
		return nil
	}
	return nil
}

// ForceFlush implements sdklog.Exporter. The exporter holds no buffer of
// its own.
func (e *LogExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown implements sdklog.Exporter. Idempotent; later exports become
// silent no-ops.
func (e *LogExporter) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	return nil
}

type logPayload struct {
	Timestamp  string         `json:"timestamp"`
	Severity   string         `json:"severity"`
	Body       any            `json:"body"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func encodeLogRecord(rec *sdklog.Record) (json.RawMessage, error) {
	ts := rec.Timestamp()
	if ts.IsZero() {
		ts = rec.ObservedTimestamp()
	}

	severity := rec.SeverityText()
	if severity == "" {
		severity = rec.Severity().String()
	}

	payload := logPayload{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Severity:  severity,
		Body:      logValue(rec.Body()),
	}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		if payload.Attributes == nil {
			payload.Attributes = make(map[string]any)
		}
		payload.Attributes[kv.Key] = logValue(kv.Value)
		return true
	})

	return json.Marshal(payload)
}

func logValue(v otellog.Value) any {
	switch v.Kind() {
	case otellog.KindBool:
		return v.AsBool()
	case otellog.KindFloat64:
		return v.AsFloat64()
	case otellog.KindInt64:
		return v.AsInt64()
	case otellog.KindString:
		return v.AsString()
	case otellog.KindBytes:
		return v.AsBytes()
	case otellog.KindSlice:
		vals := v.AsSlice()
		out := make([]any, 0, len(vals))
		for _, item := range vals {
			out = append(out, logValue(item))
		}
		return out
	case otellog.KindMap:
		kvs := v.AsMap()
		out := make(map[string]any, len(kvs))
		for _, kv := range kvs {
			out[kv.Key] = logValue(kv.Value)
		}
		return out
	}
	return nil
}
