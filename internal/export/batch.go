package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fjacquet/agenttrace/internal/metrics"
)

// DropPolicy selects which span is discarded when the export queue is full.
type DropPolicy string

const (
	// DropNewest discards the incoming span, preserving queued history.
	DropNewest DropPolicy = "newest"

	// DropOldest discards the oldest queued span in favor of the incoming
	// one.
	DropOldest DropPolicy = "oldest"
)

const (
	defaultMaxQueueSize  = 512
	defaultScheduleDelay = 5 * time.Second

	minBatchSize = 1
	maxBatchSize = 32
)

// DeriveBatchSize returns the export batch size for a given queue bound:
// one twentieth of the queue, clamped between 1 and min(maxQueue, 32).
func DeriveBatchSize(maxQueue int) int {
	size := maxQueue / 20
	upper := maxBatchSize
	if maxQueue < upper {
		upper = maxQueue
	}
	if size < minBatchSize {
		size = minBatchSize
	}
	if size > upper {
		size = upper
	}
	return size
}

// BatchOptions configures a BatchProcessor. Zero values fall back to the
// defaults above.
type BatchOptions struct {
	MaxQueueSize  int
	ScheduleDelay time.Duration
	DropPolicy    DropPolicy
}

// BatchProcessor buffers finished spans and exports them in batches, either
// when a full batch accumulates or when the schedule delay elapses,
// whichever comes first. The queue is bounded; overflow is resolved by the
// configured drop policy and surfaced through the dropped-spans counter.
//
// Spans arriving after Shutdown are discarded silently.
type BatchProcessor struct {
	exporter  sdktrace.SpanExporter
	maxQueue  int
	batchSize int
	delay     time.Duration
	policy    DropPolicy

	mu    sync.Mutex
	queue []sdktrace.ReadOnlySpan

	kick     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewBatchProcessor creates the processor and starts its export worker.
func NewBatchProcessor(exporter sdktrace.SpanExporter, opts BatchOptions) *BatchProcessor {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	if opts.ScheduleDelay <= 0 {
		opts.ScheduleDelay = defaultScheduleDelay
	}
	if opts.DropPolicy != DropOldest {
		opts.DropPolicy = DropNewest
	}

	b := &BatchProcessor{
		exporter:  exporter,
		maxQueue:  opts.MaxQueueSize,
		batchSize: DeriveBatchSize(opts.MaxQueueSize),
		delay:     opts.ScheduleDelay,
		policy:    opts.DropPolicy,
		queue:     make([]sdktrace.ReadOnlySpan, 0, opts.MaxQueueSize),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// OnStart implements sdktrace.SpanProcessor.
func (b *BatchProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor. It enqueues the span and wakes
// the worker once a full batch is available.
func (b *BatchProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if b.stopped.Load() {
		return
	}

	b.mu.Lock()
	if len(b.queue) >= b.maxQueue {
		metrics.SpansDropped.WithLabelValues(string(b.policy)).Inc()
		if b.policy == DropOldest {
			copy(b.queue, b.queue[1:])
			b.queue[len(b.queue)-1] = s
		}
		// DropNewest: the incoming span is simply not enqueued.
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, s)
	full := len(b.queue) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *BatchProcessor) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.delay)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			_ = b.exportBatches(context.Background(), true)
		case <-b.kick:
			_ = b.exportBatches(context.Background(), false)
		}
	}
}

// exportBatches pops and exports spans in batchSize chunks. With drain set
// it empties the queue entirely; otherwise it stops once less than a full
// batch remains. Returns the first export error but keeps going: a failed
// batch is already accounted for by the exporter.
func (b *BatchProcessor) exportBatches(ctx context.Context, drain bool) error {
	var firstErr error
	for {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return firstErr
		}

		b.mu.Lock()
		if len(b.queue) == 0 || (!drain && len(b.queue) < b.batchSize) {
			b.mu.Unlock()
			return firstErr
		}
		n := b.batchSize
		if n > len(b.queue) {
			n = len(b.queue)
		}
		batch := make([]sdktrace.ReadOnlySpan, n)
		copy(batch, b.queue[:n])
		b.queue = append(b.queue[:0], b.queue[n:]...)
		b.mu.Unlock()

		if err := b.exporter.ExportSpans(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// ForceFlush implements sdktrace.SpanProcessor. It drains the queue
// synchronously, bounded by the context deadline.
func (b *BatchProcessor) ForceFlush(ctx context.Context) error {
	if b.stopped.Load() {
		return nil
	}
	return b.exportBatches(ctx, true)
}

// Shutdown implements sdktrace.SpanProcessor. It stops the worker, drains
// the remaining queue, and shuts down the exporter. Safe to call more than
// once.
func (b *BatchProcessor) Shutdown(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
		<-b.done

		err = b.exportBatches(ctx, true)
		if shutdownErr := b.exporter.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	})
	return err
}
