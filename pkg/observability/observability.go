// Package observability wires structured logging and OpenTelemetry
// providers for the runner daemon: OTLP span export, run/step metrics and
// trace propagation.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/config"
)

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// Provider manages the OpenTelemetry trace and metric providers.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runCounter   metric.Int64Counter
	runErrors    metric.Int64Counter
	runDuration  metric.Float64Histogram
	activeRuns   metric.Int64UpDownCounter
	reclaimTotal metric.Int64Counter
}

// New creates and globally registers the telemetry providers. With telemetry
// disabled the provider is inert and every method is a no-op.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		enabled: cfg.OTELEnabled,
		logger:  logger.With(slog.String("component", "observability")),
	}
	if !p.enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraces(ctx, cfg, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, cfg, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(cfg.ServiceName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(cfg.ServiceName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.String("environment", cfg.Environment),
	)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, cfg *config.Config, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, cfg *config.Config, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.runCounter, err = p.meter.Int64Counter("runner.runs.total",
		metric.WithDescription("Runs driven to a terminal state"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.runErrors, err = p.meter.Int64Counter("runner.runs.errors",
		metric.WithDescription("Runs that finished in failure or were aborted"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.runDuration, err = p.meter.Float64Histogram("runner.run.duration",
		metric.WithDescription("Run wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300))
	if err != nil {
		return err
	}
	p.activeRuns, err = p.meter.Int64UpDownCounter("runner.runs.active",
		metric.WithDescription("Runs currently executing"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.reclaimTotal, err = p.meter.Int64Counter("runner.runs.reclaimed",
		metric.WithDescription("Stale claims returned to the queue"),
		metric.WithUnit("{run}"))
	return err
}

// RunStarted marks one run entering execution.
func (p *Provider) RunStarted(ctx context.Context) {
	if !p.enabled {
		return
	}
	p.activeRuns.Add(ctx, 1)
}

// RunFinished records one terminal run.
func (p *Provider) RunFinished(ctx context.Context, outcome, grade string, d time.Duration) {
	if !p.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("grade", grade),
	)
	p.activeRuns.Add(ctx, -1)
	p.runCounter.Add(ctx, 1, attrs)
	p.runDuration.Record(ctx, d.Seconds(), attrs)
	if outcome == "failure" {
		p.runErrors.Add(ctx, 1, attrs)
	}
}

// RunReclaimed records one stale claim returned to the queue.
func (p *Provider) RunReclaimed(ctx context.Context) {
	if !p.enabled {
		return
	}
	p.reclaimTotal.Add(ctx, 1)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
