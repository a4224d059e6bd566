package monitor

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"execution-core/internal/events"
	"execution-core/pkg/config"
)

const meterName = "execution-core/monitor"

// Provider owns the OTLP meter provider. Without an endpoint it defers to
// the global provider, which is a no-op unless something else installed one.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// NewProvider initializes metric export from cfg.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "execution-core"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", name)),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithView(latencyView("order.completion.duration", 10, 100, 1000, 10000, 60000, 600000),
			latencyView("http.server.duration", 1, 5, 10, 25, 50, 100, 250, 500, 1000),
			latencyView("exchange.call.duration", 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000)),
	)
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp}, nil
}

// Shutdown flushes and stops the exporter.
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

func latencyView(name string, bounds ...float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
	)
}

func stripScheme(endpoint string) string {
	for _, prefix := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, prefix)
	}
	return strings.TrimSuffix(endpoint, "/")
}

// Instruments are the OTel counterparts of SystemMetrics.
type Instruments struct {
	events     metric.Int64Counter
	alerts     metric.Int64Counter
	completion metric.Float64Histogram
	requests   metric.Float64Histogram
	calls      metric.Float64Histogram
}

// NewInstruments registers the monitor instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	ev, err := meter.Int64Counter("execution.events",
		metric.WithDescription("Events emitted by the execution core"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	al, err := meter.Int64Counter("execution.alerts",
		metric.WithDescription("Alerts raised by monitor rules"),
		metric.WithUnit("{alert}"))
	if err != nil {
		return nil, fmt.Errorf("create alerts counter: %w", err)
	}
	cd, err := meter.Float64Histogram("order.completion.duration",
		metric.WithDescription("Acceptance to terminal status of logical orders"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create completion histogram: %w", err)
	}
	rd, err := meter.Float64Histogram("http.server.duration",
		metric.WithDescription("API request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create request histogram: %w", err)
	}
	vc, err := meter.Float64Histogram("exchange.call.duration",
		metric.WithDescription("Adapter call attempt duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create venue call histogram: %w", err)
	}
	return &Instruments{events: ev, alerts: al, completion: cd, requests: rd, calls: vc}, nil
}

func (i *Instruments) event(ctx context.Context, msg events.Message) {
	if i == nil {
		return
	}
	i.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(msg.Event)),
		attribute.String("trading_mode", msg.TradingMode),
	))
}

func (i *Instruments) alert(ctx context.Context, a Alert) {
	if i == nil {
		return
	}
	i.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", a.Rule),
		attribute.String("level", string(a.Level)),
	))
}

func (i *Instruments) completed(ctx context.Context, msg events.Message, ms float64) {
	if i == nil {
		return
	}
	status, _ := msg.Payload["status"].(string)
	typ, _ := msg.Payload["type"].(string)
	i.completion.Record(ctx, ms, metric.WithAttributes(
		attribute.String("trading_mode", msg.TradingMode),
		attribute.String("order_type", typ),
		attribute.String("status", status),
	))
}

// Request records one API request.
func (i *Instruments) Request(ctx context.Context, route, method string, status int, ms float64) {
	if i == nil {
		return
	}
	i.requests.Record(ctx, ms, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}

func (i *Instruments) call(ctx context.Context, exchange, op string, ms float64, failed bool) {
	if i == nil {
		return
	}
	i.calls.Record(ctx, ms, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("op", op),
		attribute.Bool("error", failed),
	))
}
