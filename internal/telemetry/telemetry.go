package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jordanhubbard/hubcore"

var (
	// Tracer is the application tracer. It delegates to the global provider,
	// so spans started before InitTelemetry are no-ops.
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Meter is the application meter.
	Meter metric.Meter = otel.Meter(instrumentationName)

	// Custom metrics
	DispatchLatency metric.Float64Histogram
	PolicyDenials   metric.Int64Counter
	StepsCompleted  metric.Int64Counter
)

func init() {
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Warning: failed to create instruments: %v", err)
	}
}

// InitTelemetry installs an OTLP/gRPC tracer provider for serviceName. The
// returned function flushes and shuts it down.
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", "1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func initMetrics() error {
	var err error

	DispatchLatency, err = Meter.Float64Histogram(
		"hubcore.dispatch.latency",
		metric.WithDescription("Dispatch handling latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	PolicyDenials, err = Meter.Int64Counter(
		"hubcore.policy.denials",
		metric.WithDescription("Number of dispatches denied by policy"),
	)
	if err != nil {
		return err
	}

	StepsCompleted, err = Meter.Int64Counter(
		"hubcore.steps.completed",
		metric.WithDescription("Number of plan steps completed"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordDispatch records dispatch latency and, on denial, the reason code.
func RecordDispatch(ctx context.Context, mode string, valid bool, code string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("valid", valid),
	)
	if DispatchLatency != nil {
		DispatchLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
	if !valid && PolicyDenials != nil {
		PolicyDenials.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("code", code),
		))
	}
}

// RecordStepCompleted counts a step completion by agent type.
func RecordStepCompleted(ctx context.Context, agentType string) {
	if StepsCompleted != nil {
		StepsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_type", agentType)))
	}
}
