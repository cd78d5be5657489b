package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oidc-engine"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/oidc-engine/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "oidc-engine", "my-identity-server")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// LogClientIPs controls whether client IP addresses are included in traces
	// Client IP addresses may be considered PII under GDPR and similar regulations.
	LogClientIPs bool

	// SpanExporter receives finished spans when Enabled is true.
	// If nil, spans are recorded but not exported.
	SpanExporter sdktrace.SpanExporter

	// MetricReader collects metrics when Enabled is true.
	// If nil, a manual reader is installed and metrics are only available via Collect.
	MetricReader sdkmetric.Reader

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds SDK providers wired to the configured exporter and reader
func (i *Instrumentation) initializeProviders() {
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithSyncer(i.config.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	reader := i.config.MetricReader
	if reader == nil {
		reader = sdkmetric.NewManualReader()
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(i.resource),
		sdkmetric.WithReader(reader),
	)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
}

// Shutdown flushes and shuts down all instrumentation providers.
// Safe to call more than once; only the first call has an effect.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		var errs []error
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "validation", "storage", "services", "security"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for the storage size gauges.
// Storage implementations call this once instrumentation is set.
func (i *Instrumentation) RegisterStorageSizeCallbacks(grantsCount, parCount, sessionsCount StorageSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if grantsCount != nil {
				observer.ObserveInt64(i.metrics.StorageGrantsCount, grantsCount())
			}
			if parCount != nil {
				observer.ObserveInt64(i.metrics.StoragePushedRequestsCount, parCount())
			}
			if sessionsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSessionsCount, sessionsCount())
			}
			return nil
		},
		i.metrics.StorageGrantsCount,
		i.metrics.StoragePushedRequestsCount,
		i.metrics.StorageSessionsCount,
	)

	return err
}
