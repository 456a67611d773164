package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName = "runner"
	serviceVersion     = "1.0.0"
)

var (
	environmentMu     sync.RWMutex
	globalEnvironment string
)

// Config defines OpenTelemetry configuration parameters.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	EnableMetrics    bool
	MetricInterval   time.Duration
	ServiceName      string
	ServiceNamespace string
	Environment      string
}

// Provider manages the OpenTelemetry meter provider (metrics only).
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider initialises metrics export. A disabled config or empty endpoint leaves the
// global no-op meter provider in place.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)

	if !cfg.Enabled || !cfg.EnableMetrics || strings.TrimSpace(cfg.OTLPEndpoint) == "" {
		return &Provider{meterProvider: nil, config: cfg}, nil
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 30 * time.Second
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = defaultServiceName
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, config: cfg}, nil
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.meterProvider != nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns a meter with the given name.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.meterProvider == nil {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, resource.WithAttributes(
			semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace),
		))
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, resource.WithAttributes(
			attribute.String("environment", strings.ToLower(env)),
		))
	}
	attrs = append(attrs, resource.WithProcessRuntimeName(), resource.WithProcessRuntimeVersion(), resource.WithHost())
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)),
		sdkmetric.WithView(histogramViews()...),
	), nil
}

func histogramViews() []sdkmetric.View {
	bucket := func(name string, boundaries []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: boundaries}},
		)
	}
	return []sdkmetric.View{
		// Engine runs: 1ms - 10min.
		bucket("dispatcher.run.duration", []float64{1, 10, 100, 500, 1000, 5000, 30000, 120000, 600000}),
		// Throttle waits sit near the configured delay.
		bucket("throttle.wait.duration", []float64{0, 100, 500, 1000, 2000, 5000, 10000, 30000}),
	}
}

// stripScheme removes an http:// or https:// prefix; OTLP HTTP exporters expect host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}

// SetEnvironment records the environment name used in metric labels.
func SetEnvironment(env string) {
	environmentMu.Lock()
	defer environmentMu.Unlock()
	globalEnvironment = strings.ToLower(strings.TrimSpace(env))
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	environmentMu.RLock()
	defer environmentMu.RUnlock()
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}
