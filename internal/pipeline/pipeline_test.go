package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/fjacquet/agenttrace/event"
	"github.com/fjacquet/agenttrace/internal/translate"
	"github.com/fjacquet/agenttrace/internal/wire"
)

type fakeEndpoint struct {
	mu      sync.Mutex
	records []wire.EventRecord
	logs    []json.RawMessage
}

func (f *fakeEndpoint) PostEvents(ctx context.Context, sessionID string, records []wire.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeEndpoint) PutLogs(ctx context.Context, sessionID string, records []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, records...)
	return nil
}

func (f *fakeEndpoint) named(spanName string) []wire.EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.EventRecord
	for _, rec := range f.records {
		if rec["span_name"] == spanName {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeEndpoint) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeEndpoint) {
	t.Helper()
	endpoint := &fakeEndpoint{}
	p, err := New(Config{
		SessionID:      "session-1",
		ServiceVersion: "test",
		MaxWaitTime:    20 * time.Millisecond,
		InFlightPeriod: time.Minute,
		FlushTimeout:   2 * time.Second,
	}, endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, endpoint
}

func TestPipelineExportsEventSpans(t *testing.T) {
	p, endpoint := newTestPipeline(t)

	ev := event.NewLLM(event.LLMDetails{Model: "gpt-4", PromptTokens: 10, CompletionTokens: 5})
	require.NoError(t, ev.End())
	p.HandleEvent(ev)
	require.NoError(t, p.Flush(context.Background()))

	primary := endpoint.named(translate.SpanNameLLM)
	require.Len(t, primary, 1)
	assert.Equal(t, "session-1", primary[0]["session_id"])
	assert.Equal(t, "llm", primary[0]["event_type"])
	assert.Equal(t, "gpt-4", primary[0][translate.AttrLLMModel])
	assert.Equal(t, int64(15), primary[0][translate.AttrLLMTokensTotal])

	children := endpoint.named(translate.SpanNameLLMCall)
	require.Len(t, children, 1)

	// Every span shares the session's trace identity and descends from the
	// root span.
	wantTrace := p.TraceID().String()
	assert.Equal(t, wantTrace, primary[0]["trace_id"])
	assert.Equal(t, wantTrace, children[0]["trace_id"])
	assert.Equal(t, primary[0]["span_id"], children[0]["parent_span_id"])
	assert.NotEmpty(t, primary[0]["parent_span_id"])
}

func TestPipelineKeepsEventTiming(t *testing.T) {
	p, endpoint := newTestPipeline(t)

	ev := event.NewTool(event.ToolDetails{Name: "searchWeb"})
	ev.InitTimestamp = "2026-03-14T10:00:00Z"
	require.NoError(t, ev.EndAt("2026-03-14T10:00:05Z"))
	p.HandleEvent(ev)
	require.NoError(t, p.Flush(context.Background()))

	recs := endpoint.named(translate.SpanNameTool)
	require.Len(t, recs, 1)
	assert.Equal(t, "2026-03-14T10:00:00Z", recs[0]["init_timestamp"])
	assert.Equal(t, "2026-03-14T10:00:05Z", recs[0]["end_timestamp"])
}

func TestPipelineRootSpanExportedOnShutdown(t *testing.T) {
	endpoint := &fakeEndpoint{}
	p, err := New(Config{
		SessionID:      "session-1",
		MaxWaitTime:    20 * time.Millisecond,
		InFlightPeriod: time.Minute,
		FlushTimeout:   2 * time.Second,
	}, endpoint)
	require.NoError(t, err)

	p.Shutdown(context.Background())

	roots := endpoint.named(rootSpanName)
	require.Len(t, roots, 1)
	assert.Equal(t, "session-1", roots[0][translate.AttrSessionID])
	assert.NotEmpty(t, roots[0]["end_timestamp"])
}

func TestPipelineErrorEventMarksSessionRoot(t *testing.T) {
	endpoint := &fakeEndpoint{}
	p, err := New(Config{
		SessionID:      "session-1",
		MaxWaitTime:    20 * time.Millisecond,
		InFlightPeriod: time.Minute,
		FlushTimeout:   2 * time.Second,
	}, endpoint)
	require.NoError(t, err)

	trigger := event.NewTool(event.ToolDetails{Name: "fetchFromDB"})
	p.HandleEvent(event.NewError(assertError("connection refused"), trigger))
	p.Shutdown(context.Background())

	roots := endpoint.named(rootSpanName)
	require.Len(t, roots, 1)
	assert.Equal(t, true, roots[0][translate.AttrError])
	assert.Equal(t, "connection refused", roots[0][translate.AttrErrorMessage])
}

func TestPipelineDeliversLogRecords(t *testing.T) {
	p, endpoint := newTestPipeline(t)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent started"))
	p.Logger().Emit(context.Background(), rec)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 1, endpoint.logCount())
}

func TestPipelineHandleEventAfterShutdownIsNoop(t *testing.T) {
	endpoint := &fakeEndpoint{}
	p, err := New(Config{
		SessionID:      "session-1",
		MaxWaitTime:    20 * time.Millisecond,
		InFlightPeriod: time.Minute,
		FlushTimeout:   2 * time.Second,
	}, endpoint)
	require.NoError(t, err)
	p.Shutdown(context.Background())

	before := len(endpoint.named(translate.SpanNameTool))
	ev := event.NewTool(event.ToolDetails{Name: "late"})
	require.NoError(t, ev.End())
	p.HandleEvent(ev)
	assert.Equal(t, before, len(endpoint.named(translate.SpanNameTool)))
}

type assertError string

func (e assertError) Error() string { return string(e) }
