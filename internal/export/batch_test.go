package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fjacquet/agenttrace/internal/metrics"
)

type fakeExporter struct {
	mu        sync.Mutex
	batches   [][]sdktrace.ReadOnlySpan
	err       error
	shutdowns int
}

func (f *fakeExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]sdktrace.ReadOnlySpan, len(spans))
	copy(batch, spans)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeExporter) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeExporter) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// gateExporter blocks every export until release is closed, so tests can
// hold the worker mid-export while they fill the queue.
type gateExporter struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	names   []string
}

func newGateExporter() *gateExporter {
	return &gateExporter{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *gateExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	g.entered <- struct{}{}
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range spans {
		g.names = append(g.names, s.Name())
	}
	return nil
}

func (g *gateExporter) Shutdown(ctx context.Context) error { return nil }

func (g *gateExporter) exported() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

func TestDeriveBatchSize(t *testing.T) {
	tests := []struct {
		maxQueue int
		want     int
	}{
		{maxQueue: 1, want: 1},
		{maxQueue: 10, want: 1},
		{maxQueue: 100, want: 5},
		{maxQueue: 512, want: 25},
		{maxQueue: 640, want: 32},
		{maxQueue: 10000, want: 32},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveBatchSize(tt.maxQueue), "maxQueue=%d", tt.maxQueue)
	}
}

func TestBatchProcessorExportsFullBatchThenRemainderOnFlush(t *testing.T) {
	exporter := &fakeExporter{}
	bp := NewBatchProcessor(exporter, BatchOptions{
		MaxQueueSize:  512, // derived batch size 25
		ScheduleDelay: time.Minute,
	})
	defer func() { _ = bp.Shutdown(context.Background()) }()

	for i := 0; i < 30; i++ {
		bp.OnEnd(spanStub(fmt.Sprintf("op-%d", i)))
	}

	// A full batch of 25 is exported by the worker as soon as it forms.
	assert.Eventually(t, func() bool {
		sizes := exporter.batchSizes()
		return len(sizes) == 1 && sizes[0] == 25
	}, 2*time.Second, 5*time.Millisecond)

	// The remaining 5 wait for the schedule delay unless flushed.
	require.NoError(t, bp.ForceFlush(context.Background()))
	assert.Equal(t, []int{25, 5}, exporter.batchSizes())
}

func TestBatchProcessorDropPolicies(t *testing.T) {
	tests := []struct {
		policy DropPolicy
		want   []string
	}{
		// Oldest queued span evicted in favor of the incoming one.
		{policy: DropOldest, want: []string{"s0", "s2", "s3", "s4", "s5"}},
		// Incoming span discarded, queued history preserved.
		{policy: DropNewest, want: []string{"s0", "s1", "s2", "s3", "s4"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			gate := newGateExporter()
			droppedBefore := testutil.ToFloat64(metrics.SpansDropped.WithLabelValues(string(tt.policy)))

			bp := NewBatchProcessor(gate, BatchOptions{
				MaxQueueSize:  4, // derived batch size 1
				ScheduleDelay: time.Minute,
				DropPolicy:    tt.policy,
			})

			// Worker picks up s0 and blocks inside the exporter.
			bp.OnEnd(spanStub("s0"))
			select {
			case <-gate.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("worker never reached the exporter")
			}

			// Fill the queue to its bound, then overflow by one.
			for i := 1; i <= 4; i++ {
				bp.OnEnd(spanStub(fmt.Sprintf("s%d", i)))
			}
			bp.OnEnd(spanStub("s5"))

			close(gate.release)
			require.NoError(t, bp.Shutdown(context.Background()))

			assert.Equal(t, tt.want, gate.exported())
			droppedAfter := testutil.ToFloat64(metrics.SpansDropped.WithLabelValues(string(tt.policy)))
			assert.Equal(t, 1.0, droppedAfter-droppedBefore)
		})
	}
}

func TestBatchProcessorForceFlushPropagatesExportError(t *testing.T) {
	exporter := &fakeExporter{err: errors.New("endpoint down")}
	bp := NewBatchProcessor(exporter, BatchOptions{
		MaxQueueSize:  512,
		ScheduleDelay: time.Minute,
	})
	defer func() { _ = bp.Shutdown(context.Background()) }()

	bp.OnEnd(spanStub("op"))

	err := bp.ForceFlush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint down")
}

func TestBatchProcessorShutdownDrainsAndIsIdempotent(t *testing.T) {
	exporter := &fakeExporter{}
	bp := NewBatchProcessor(exporter, BatchOptions{
		MaxQueueSize:  512,
		ScheduleDelay: time.Minute,
	})

	for i := 0; i < 3; i++ {
		bp.OnEnd(spanStub(fmt.Sprintf("op-%d", i)))
	}

	require.NoError(t, bp.Shutdown(context.Background()))
	assert.Equal(t, []int{3}, exporter.batchSizes())
	assert.Equal(t, 1, exporter.shutdowns)

	// Spans arriving afterwards are discarded; a second shutdown is a no-op.
	bp.OnEnd(spanStub("late"))
	require.NoError(t, bp.Shutdown(context.Background()))
	require.NoError(t, bp.ForceFlush(context.Background()))
	assert.Equal(t, []int{3}, exporter.batchSizes())
	assert.Equal(t, 1, exporter.shutdowns)
}
