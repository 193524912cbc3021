// Package pipeline owns the per-session telemetry providers. Each session
// gets its own tracer provider and logger provider wired to the collection
// endpoint; nothing is registered globally, so concurrent sessions never
// share pipeline state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fjacquet/agenttrace/event"
	"github.com/fjacquet/agenttrace/internal/export"
	"github.com/fjacquet/agenttrace/internal/translate"
	"github.com/fjacquet/agenttrace/internal/wire"
)

const (
	serviceName  = "agenttrace"
	scopeName    = "github.com/fjacquet/agenttrace"
	rootSpanName = "session.lifecycle"

	// DefaultFlushTimeout bounds flush and shutdown draining when the
	// caller provides no deadline of its own.
	DefaultFlushTimeout = 5000 * time.Millisecond
)

// Endpoint is the slice of the collection endpoint client the pipeline
// needs. Satisfied by *wire.Client.
type Endpoint interface {
	PostEvents(ctx context.Context, sessionID string, records []wire.EventRecord) error
	PutLogs(ctx context.Context, sessionID string, records []json.RawMessage) error
}

// Config holds the knobs for one session pipeline. Zero values select the
// defaults used throughout.
type Config struct {
	SessionID      string
	ServiceVersion string

	// MaxQueueSize bounds the span export queue; the export batch size is
	// derived from it.
	MaxQueueSize int

	// MaxWaitTime is the longest a queued span waits before export.
	MaxWaitTime time.Duration

	// InFlightPeriod is the interval between exports of still-open spans.
	InFlightPeriod time.Duration

	// FlushTimeout bounds flush and shutdown draining.
	FlushTimeout time.Duration

	// Strict surfaces export failures to callers instead of swallowing
	// them.
	Strict bool

	DropPolicy export.DropPolicy

	// OTLP optionally mirrors the session's spans to an OTLP collector in
	// addition to the collection endpoint.
	OTLP OTLPConfig
}

// Pipeline is the telemetry machinery behind one session: a private tracer
// provider whose processor chain tracks in-flight spans, batches finished
// ones and exports them, plus a logger provider delivering log records to
// the session log endpoint.
type Pipeline struct {
	cfg      Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	inflight *export.InFlightProcessor

	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger

	root trace.Span

	flushTimeout time.Duration
	stopOnce     sync.Once
	stopped      atomic.Bool
}

// New builds the pipeline for a session and opens its root span. The root
// span stays open until Shutdown and parents every event span recorded
// through the pipeline.
func New(cfg Config, endpoint Endpoint) (*Pipeline, error) {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spanExporter := export.NewSpanExporter(cfg.SessionID, endpoint, cfg.Strict)
	batch := export.NewBatchProcessor(spanExporter, export.BatchOptions{
		MaxQueueSize:  cfg.MaxQueueSize,
		ScheduleDelay: cfg.MaxWaitTime,
		DropPolicy:    cfg.DropPolicy,
	})
	inflight := export.NewInFlightProcessor(batch, cfg.InFlightPeriod)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(inflight),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.OTLP.Enabled {
		mirror, err := newMirrorProcessor(context.Background(), cfg.OTLP)
		if err != nil {
			// The mirror is best-effort; the session must come up without it.
			log.WithField(export.FieldInternal, true).
				Warnf("Failed to initialize OTLP mirror: %v. Continuing without mirroring.", err)
		} else {
			opts = append(opts, sdktrace.WithSpanProcessor(mirror))
		}
	}
	provider := sdktrace.NewTracerProvider(opts...)

	tracer := provider.Tracer(scopeName)
	_, root := tracer.Start(context.Background(), rootSpanName,
		trace.WithAttributes(attribute.String(translate.AttrSessionID, cfg.SessionID)))
	inflight.SetErrorTarget(root)

	logExporter := export.NewLogExporter(cfg.SessionID, endpoint, cfg.Strict)
	logOpts := []sdklog.BatchProcessorOption{}
	if cfg.MaxWaitTime > 0 {
		logOpts = append(logOpts, sdklog.WithExportInterval(cfg.MaxWaitTime))
	}
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter, logOpts...)),
		sdklog.WithResource(res),
	)

	return &Pipeline{
		cfg:          cfg,
		provider:     provider,
		tracer:       tracer,
		inflight:     inflight,
		logProvider:  logProvider,
		logger:       logProvider.Logger(scopeName),
		root:         root,
		flushTimeout: cfg.FlushTimeout,
	}, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.HostNameKey.String(hostname),
			attribute.String(translate.AttrSessionID, cfg.SessionID),
		),
	)
}

// HandleEvent turns a recorded event into spans under the session root.
// Span timestamps come from the event itself, so late-recorded events keep
// their original timing.
func (p *Pipeline) HandleEvent(ev *event.Event) {
	if p.stopped.Load() {
		return
	}

	def := translate.Translate(ev)

	ctx := trace.ContextWithSpan(context.Background(), p.root)
	ctx, span := p.tracer.Start(ctx, def.Name, startOptions(def)...)
	if def.Child != nil {
		_, child := p.tracer.Start(ctx, def.Child.Name, startOptions(*def.Child)...)
		endSpan(child, def.Child.End)
	}
	endSpan(span, def.End)
}

func startOptions(def translate.SpanDef) []trace.SpanStartOption {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(def.Kind),
		trace.WithAttributes(def.Attributes...),
	}
	if !def.Start.IsZero() {
		opts = append(opts, trace.WithTimestamp(def.Start))
	}
	return opts
}

func endSpan(span trace.Span, at time.Time) {
	if at.IsZero() {
		span.End()
		return
	}
	span.End(trace.WithTimestamp(at))
}

// Logger returns the session's log emitter. Records flow to the session
// log endpoint in batches.
func (p *Pipeline) Logger() otellog.Logger {
	return p.logger
}

// TraceID returns the session trace identity shared by every span the
// pipeline creates.
func (p *Pipeline) TraceID() trace.TraceID {
	return p.root.SpanContext().TraceID()
}

// Flush drains queued spans and log records, bounded by the configured
// flush timeout unless ctx carries an earlier deadline.
func (p *Pipeline) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
	defer cancel()

	var firstErr error
	if err := p.provider.ForceFlush(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.logProvider.ForceFlush(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Shutdown ends the root span, drains both providers and tears them down.
// Safe to call more than once; errors are logged, never returned, because
// shutdown runs on paths that must not fail.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.root.End()

		ctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
		defer cancel()

		if err := p.provider.ForceFlush(ctx); err != nil {
			log.WithField(export.FieldInternal, true).
				WithError(err).Warn("Span flush during pipeline shutdown failed")
		}
		if err := p.provider.Shutdown(ctx); err != nil {
			log.WithField(export.FieldInternal, true).
				WithError(err).Warn("Tracer provider shutdown failed")
		}
		if err := p.logProvider.Shutdown(ctx); err != nil {
			log.WithField(export.FieldInternal, true).
				WithError(err).Warn("Logger provider shutdown failed")
		}
	})
}
