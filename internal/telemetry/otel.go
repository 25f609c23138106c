package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Provider holds the OTEL trace, metric, and log providers and their
// shutdown func. LogHandler is a slog.Handler that exports records over
// OTLP; fan it into the default logger with NewTeeHandler.
type Provider struct {
	LogHandler slog.Handler

	shutdown func(context.Context) error
}

// InitProvider initialises the OTEL TracerProvider, MeterProvider, and
// LoggerProvider targeting the collector at the given endpoint. Dial is
// non-blocking — an unreachable collector does not prevent startup.
func InitProvider(ctx context.Context, endpoint, serviceName string, useInsecure bool) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceNamespace("bumblebee"),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("building OTEL resource: %w", err)
	}

	connOpts := []grpc.DialOption{}
	if useInsecure {
		connOpts = append(connOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Shared gRPC connection for all exporters — reduces OS resource use.
	conn, err := grpc.NewClient(endpoint, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for OTEL: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		tp.Shutdown(ctx) //nolint:errcheck
		conn.Close()     //nolint:errcheck
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn))
	if err != nil {
		mp.Shutdown(ctx) //nolint:errcheck
		tp.Shutdown(ctx) //nolint:errcheck
		conn.Close()     //nolint:errcheck
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	// The gRPC client reconnects automatically — export failures during a
	// collector restart only need a warning, not action.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Warn("otel export error (will retry)", "err", err)
	}))

	shutdown := func(ctx context.Context) error {
		// Export flush failures are swallowed — telemetry must not impact
		// availability. Only conn.Close is propagated since it indicates an
		// OS resource leak.
		lp.Shutdown(ctx) //nolint:errcheck
		mp.Shutdown(ctx) //nolint:errcheck
		tp.Shutdown(ctx) //nolint:errcheck
		return conn.Close()
	}

	return &Provider{
		LogHandler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(lp)),
		shutdown:   shutdown,
	}, nil
}

// Shutdown flushes and closes all OTEL exporters. ctx should have a deadline.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
