// Package obs is the agent's pluggable observability sink: it taps
// the event bus, turns every significant lifecycle event into a structured
// bus.ObservabilityEvent, and forwards it both to an injected Sink (for the
// client-sync plane / external log aggregation) and, as a span event, to a
// short-lived OpenTelemetry span of its own.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/bus"
)

// Sink receives every structured observability event the agent emits.
// Implementations must not block for long and must never panic; a panicking
// Emit is recovered and logged, never propagated (observability emission is
// best-effort and never throws).
type Sink interface {
	Emit(ctx context.Context, ev bus.ObservabilityEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev bus.ObservabilityEvent)

func (f SinkFunc) Emit(ctx context.Context, ev bus.ObservabilityEvent) { f(ctx, ev) }

// Config configures the OpenTelemetry tracer backing span-event emission,
// trimmed to the tracing half: this runtime has no request/LLM latency
// histograms of its own to export as metrics.
type Config struct {
	Enabled     bool
	Exporter    string // "otlp" | "stdout" | "" (stdout)
	Endpoint    string
	ServiceName string
}

// Provider wraps an OTel tracer with a shutdown func.
type Provider struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

const tracerName = "agentcore"

// NewProvider sets up tracing per cfg. A disabled config yields a tracer
// bound to the global (no-op by default) TracerProvider; an unrecognized
// exporter name is an error.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{Tracer: otel.Tracer(tracerName), shutdown: func(context.Context) error { return nil }}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentcore"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exp, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{Tracer: tp.Tracer(tracerName), shutdown: tp.Shutdown}, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case "stdout", "":
		return stdouttrace.New()
	default:
		return nil, fmt.Errorf("unknown otel exporter %q", cfg.Exporter)
	}
}

// Shutdown flushes and stops the underlying tracer provider, if one was
// started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Tap subscribes to every bus topic, translates each publish into a
// bus.ObservabilityEvent, records it as an event on a new short-lived span,
// and forwards it to sink — synchronously, on the publishing goroutine, like
// any other bus listener. Call Stop to release the subscription.
type Tap struct {
	sink   Sink
	tracer trace.Tracer
	sub    *bus.Subscription
	logger *slog.Logger
}

// NewTap wires sink and an OTel tracer onto every event b publishes. sink may
// be nil (tracing-only); tracer may be nil (sink-only).
func NewTap(b *bus.Bus, sink Sink, tracer trace.Tracer, logger *slog.Logger) *Tap {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tap{sink: sink, tracer: tracer, logger: logger}
	t.sub = b.Subscribe("", t.handle)
	return t
}

func (t *Tap) handle(ev bus.Event) {
	oev := bus.ObservabilityEvent{
		Type:           displayType(ev.Topic),
		DisplayMessage: displayMessage(ev.Topic, ev.Payload),
		Timestamp:      time.Now().UnixMilli(),
		ID:             uuid.NewString(),
	}
	if m, ok := ev.Payload.(map[string]any); ok {
		oev.Payload = m
	} else if ev.Payload != nil {
		oev.Payload = map[string]any{"value": ev.Payload}
	}

	t.emitSpanEvent(oev)
	t.emitSink(oev)
}

func (t *Tap) emitSpanEvent(oev bus.ObservabilityEvent) {
	if t.tracer == nil {
		return
	}
	defer func() {
		// span-event emission is best-effort observability; never
		// let a malformed attribute panic the tap loop.
		if r := recover(); r != nil {
			t.logger.Warn("obs: span event emit panicked", "recover", r)
		}
	}()
	_, span := t.tracer.Start(context.Background(), "agent.event",
		trace.WithAttributes(attribute.String("event.type", oev.Type)))
	span.AddEvent(oev.DisplayMessage, trace.WithAttributes(attribute.String("event.id", oev.ID)))
	span.End()
}

func (t *Tap) emitSink(oev bus.ObservabilityEvent) {
	if t.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("obs: sink emit panicked", "recover", r)
		}
	}()
	t.sink.Emit(context.Background(), oev)
}

// Stop releases the bus subscription. Safe to call more than once.
func (t *Tap) Stop() {
	t.sub.Dispose()
}

func displayType(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

func displayMessage(topic string, payload any) string {
	return fmt.Sprintf("%s: %v", topic, payload)
}
