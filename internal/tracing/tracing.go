// Package tracing wires OpenTelemetry behind [telemetry] config. Spans
// wrap agent queries and scheduled task runs; every span start is also
// mirrored onto the internal event bus as an agent_trace event so the
// TUI can follow activity without an OTLP backend.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/config"
)

// Span names.
const (
	SpanAgentQuery = "pynchy.agent.query"
	SpanTaskRun    = "pynchy.task.run"
	SpanMerge      = "pynchy.git.merge"
	SpanDeploy     = "pynchy.deploy"
)

// Attribute keys.
const (
	AttrFolder  = "pynchy.workspace"
	AttrChatJID = "pynchy.chat_jid"
	AttrTaskID  = "pynchy.task_id"
)

// Provider owns the tracer and its exporter batcher.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	events   *bus.Events
}

// NewProvider builds the provider. Disabled telemetry yields a noop
// tracer; the event bus mirror stays active either way.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig, events *bus.Events) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer("pynchy"),
			events: events,
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pynchy"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	var exporter *otlptrace.Exporter
	var err error
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry protocol %q: want grpc or http", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Provider{
		provider: provider,
		tracer:   provider.Tracer("pynchy"),
		events:   events,
	}, nil
}

// StartSpan opens a span and mirrors it to the event bus.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p.events != nil {
		payload := map[string]any{"span": name}
		for _, a := range attrs {
			payload[string(a.Key)] = a.Value.AsInterface()
		}
		p.events.Broadcast(bus.Event{Name: "agent_trace", Payload: payload})
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes the batcher. Part of the host's shutdown sequence.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.provider.Shutdown(flushCtx)
}

// WorkspaceAttrs builds the standard per-workspace span attributes.
func WorkspaceAttrs(folder, chatJID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFolder, folder),
		attribute.String(AttrChatJID, chatJID),
	}
}

// TaskAttrs builds scheduled-task span attributes.
func TaskAttrs(taskID, folder string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrFolder, folder),
	}
}
