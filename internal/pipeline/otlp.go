package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPConfig configures the optional OTLP gRPC mirror. Mirrored spans go to
// a collector of the host's choosing in addition to the collection
// endpoint; the mirror never affects primary delivery.
type OTLPConfig struct {
	// Enabled turns the mirror on.
	Enabled bool

	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	Endpoint string

	// Insecure controls whether to use an insecure connection (no TLS).
	Insecure bool

	// SamplingRate determines the fraction of traces mirrored (0.0 to 1.0).
	// Values outside that range mirror everything.
	SamplingRate float64
}

// newMirrorProcessor creates a batching span processor that forwards spans
// to an OTLP collector.
func newMirrorProcessor(ctx context.Context, cfg OTLPConfig) (sdktrace.SpanProcessor, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	if cfg.SamplingRate <= 0 || cfg.SamplingRate >= 1.0 {
		return processor, nil
	}
	return &sampledProcessor{
		SpanProcessor: processor,
		threshold:     uint64(cfg.SamplingRate * (1 << 63)),
	}, nil
}

// sampledProcessor forwards a trace-ID ratio of spans to the wrapped
// processor. The primary chain always sees every span, so mirror sampling
// cannot be a provider-level sampler; it is applied here instead, using the
// same trace-ID ratio scheme as sdktrace.TraceIDRatioBased so an entire
// trace is either mirrored or not.
type sampledProcessor struct {
	sdktrace.SpanProcessor
	threshold uint64
}

func (s *sampledProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	tid := span.SpanContext().TraceID()
	if binary.BigEndian.Uint64(tid[8:16])>>1 < s.threshold {
		s.SpanProcessor.OnEnd(span)
	}
}
