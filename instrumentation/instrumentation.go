// Package instrumentation provides OpenTelemetry meters and tracers
// for the authorization server. When disabled it swaps in no-op
// providers so the hot path pays nothing.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is provided.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry
	ServiceName string

	// ServiceVersion is the service version
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false,
	// no-op providers are used.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default
	// resource is created from the service name and version.
	Resource *resource.Resource
}

// Instrumentation holds the telemetry providers and pre-built metric
// instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "oauth2-server"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
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

	// Exporter wiring is left to the embedding application; the
	// library itself only needs providers to record against.
	inst.meterProvider = noop.NewMeterProvider()
	inst.tracerProvider = tracenoop.NewTracerProvider()

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// SetMeterProvider replaces the meter provider. Must be called before
// any metrics are recorded; re-creates the instrument set.
func (i *Instrumentation) SetMeterProvider(mp metric.MeterProvider) error {
	i.meterProvider = mp
	m, err := newMetrics(i)
	if err != nil {
		return err
	}
	i.metrics = m
	return nil
}

// SetTracerProvider replaces the tracer provider.
func (i *Instrumentation) SetTracerProvider(tp trace.TracerProvider) {
	i.tracerProvider = tp
}

// Shutdown runs all registered shutdown functions once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a named meter for the given scope ("server", "grant",
// "storage", "http").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/authkit/oauth2-server/" + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/authkit/oauth2-server/" + scope)
}

// Metrics returns the pre-built metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback reports the current size of a storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauge callbacks for storage
// sizes. Storage implementations call this when instrumentation is
// attached.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	accessTokens, authCodes, refreshTokens, clients StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if accessTokens != nil {
				observer.ObserveInt64(i.metrics.StorageAccessTokensCount, accessTokens())
			}
			if authCodes != nil {
				observer.ObserveInt64(i.metrics.StorageAuthCodesCount, authCodes())
			}
			if refreshTokens != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokensCount, refreshTokens())
			}
			if clients != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clients())
			}
			return nil
		},
		i.metrics.StorageAccessTokensCount,
		i.metrics.StorageAuthCodesCount,
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageClientsCount,
	)
	return err
}
