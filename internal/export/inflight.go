package export

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/fjacquet/agenttrace/internal/translate"
)

const defaultExportPeriod = 1 * time.Second

// InFlightProcessor tracks spans that have started but not yet ended. A
// periodic ticker forwards every open span to the next stage so long-running
// operations appear in exports before completion; the same span is exported
// again, with its final shape, when it actually ends.
//
// When a span ends carrying error attributes, those attributes are mirrored
// onto the session's root span so the session itself reflects the failure.
type InFlightProcessor struct {
	next   sdktrace.SpanProcessor
	period time.Duration

	mu     sync.Mutex
	open   map[trace.SpanID]sdktrace.ReadWriteSpan
	target trace.Span

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewInFlightProcessor creates the tracker in front of next and starts its
// ticker. A period of zero selects the one second default.
func NewInFlightProcessor(next sdktrace.SpanProcessor, period time.Duration) *InFlightProcessor {
	if period <= 0 {
		period = defaultExportPeriod
	}
	p := &InFlightProcessor{
		next:   next,
		period: period,
		open:   make(map[trace.SpanID]sdktrace.ReadWriteSpan),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// SetErrorTarget designates the span that receives mirrored error
// attributes, normally the session's root span.
func (p *InFlightProcessor) SetErrorTarget(span trace.Span) {
	p.mu.Lock()
	p.target = span
	p.mu.Unlock()
}

// OnStart implements sdktrace.SpanProcessor.
func (p *InFlightProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	if p.stopped.Load() {
		return
	}
	p.mu.Lock()
	p.open[s.SpanContext().SpanID()] = s
	p.mu.Unlock()
	p.next.OnStart(parent, s)
}

// OnEnd implements sdktrace.SpanProcessor.
func (p *InFlightProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	p.mu.Lock()
	delete(p.open, s.SpanContext().SpanID())
	target := p.target
	p.mu.Unlock()

	if target != nil {
		propagateError(s, target)
	}
	p.next.OnEnd(s)
}

func (p *InFlightProcessor) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.exportOpen()
		}
	}
}

// exportOpen forwards a snapshot of the open spans to the next stage
// without untracking them. The spans have no end time yet; the final export
// happens on OnEnd.
func (p *InFlightProcessor) exportOpen() {
	p.mu.Lock()
	snapshot := make([]sdktrace.ReadWriteSpan, 0, len(p.open))
	for _, s := range p.open {
		snapshot = append(snapshot, s)
	}
	p.mu.Unlock()

	for _, s := range snapshot {
		p.next.OnEnd(s)
	}
}

// ForceFlush implements sdktrace.SpanProcessor.
func (p *InFlightProcessor) ForceFlush(ctx context.Context) error {
	return p.next.ForceFlush(ctx)
}

// Shutdown implements sdktrace.SpanProcessor. The ticker goroutine is
// stopped and joined before shutdown is delegated downstream.
func (p *InFlightProcessor) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
		<-p.done
		err = p.next.Shutdown(ctx)
	})
	return err
}

// propagateError mirrors error attributes from an ended span onto the
// target span and marks the target's status accordingly.
func propagateError(s sdktrace.ReadOnlySpan, target trace.Span) {
	var (
		failed  bool
		message string
		mirror  []attribute.KeyValue
	)
	for _, kv := range s.Attributes() {
		key := string(kv.Key)
		if key == translate.AttrError && kv.Value.AsBool() {
			failed = true
		}
		if key == translate.AttrError || strings.HasPrefix(key, translate.AttrError+".") {
			mirror = append(mirror, kv)
		}
		if key == translate.AttrErrorMessage {
			message = kv.Value.AsString()
		}
	}
	if !failed {
		return
	}

	target.SetAttributes(mirror...)
	target.SetStatus(codes.Error, message)
}
