// Package telemetry configures OpenTelemetry tracing for snapshot runs.
//
// Phase spans (run, resolve, clone) follow the configured sampler. Detail
// spans, one per hosting API request or git invocation, are only emitted in
// ModeDetailed.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "classroom-snapshot"

// Mode selects how much of a run is traced.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeErrors   Mode = "errors"
	ModeSampled  Mode = "sampled"
	ModeDetailed Mode = "detailed"
)

// ParseMode maps a config value to a Mode. Unknown values select
// ModeSampled.
func ParseMode(raw string) Mode {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeOff, ModeErrors, ModeDetailed:
		return mode
	default:
		return ModeSampled
	}
}

var currentMode atomic.Value

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	InstanceID     string
	Shutdown       func(ctx context.Context) error
}

// Setup installs a global tracer provider. Each process gets its own
// service.instance.id so spans of one snapshot run group together.
func Setup(cfg Config) (Runtime, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	mode := ParseMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = ModeOff
	}
	currentMode.Store(mode)

	instanceID := uuid.NewString()
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("service.instance.id", instanceID),
		),
	)
	if err != nil {
		return Runtime{}, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(mode.sampler(cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		InstanceID:     instanceID,
		Shutdown:       provider.Shutdown,
	}, nil
}

// CurrentMode reports the mode installed by the last Setup.
func CurrentMode() Mode {
	mode, _ := currentMode.Load().(Mode)
	if mode == "" {
		return ModeOff
	}
	return mode
}

// StartSpan starts a span on the named tracer when tracing is on. The
// returned end func records err (if any) and ends the span; it is safe to
// call when tracing is off.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if CurrentMode() == ModeOff {
		return ctx, func(error) {}
	}
	return startSpan(ctx, tracerName, spanName, attrs)
}

// StartDetailSpan is StartSpan restricted to ModeDetailed.
func StartDetailSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if CurrentMode() != ModeDetailed {
		return ctx, func(error) {}
	}
	return startSpan(ctx, tracerName, spanName, attrs)
}

// AddEvent records an event on the span carried by ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func startSpan(ctx context.Context, tracerName, spanName string, attrs []attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (m Mode) sampler(ratio float64) sdktrace.Sampler {
	ratio = max(0, min(1, ratio))
	switch m {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		// Failed runs are rare; keep a floor so some are always visible.
		ratio = max(ratio, 0.01)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
