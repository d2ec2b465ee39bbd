package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger instruments.
type Metrics struct {
	transitions        metric.Int64Counter
	transitionFailures metric.Int64Counter
	ledgerEntries      metric.Int64Counter
	entryAmount        metric.Int64Counter
	creditsGranted     metric.Int64Counter
	transitionDuration metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	transitions, err := meter.Int64Counter("creditledger_ledger_transitions_total",
		metric.WithDescription("Billing period transitions processed by payload kind."))
	if err != nil {
		return nil, err
	}
	transitionFailures, err := meter.Int64Counter("creditledger_ledger_transition_failures_total",
		metric.WithDescription("Billing period transitions aborted by reason."))
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("creditledger_ledger_entries_total",
		metric.WithDescription("Ledger entries written by entry type."))
	if err != nil {
		return nil, err
	}
	entryAmount, err := meter.Int64Counter("creditledger_ledger_entry_amount_total",
		metric.WithDescription("Sum of ledger entry amounts in minor units by entry type."))
	if err != nil {
		return nil, err
	}
	creditsGranted, err := meter.Int64Counter("creditledger_usage_credits_granted_total",
		metric.WithDescription("Usage credits created by the grant step."))
	if err != nil {
		return nil, err
	}
	transitionDuration, err := meter.Float64Histogram("creditledger_ledger_transition_duration_seconds",
		metric.WithDescription("Time spent inside the transition engine."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:        transitions,
		transitionFailures: transitionFailures,
		ledgerEntries:      ledgerEntries,
		entryAmount:        entryAmount,
		creditsGranted:     creditsGranted,
		transitionDuration: transitionDuration,
	}, nil
}

// RecordTransition records one completed transition.
func (m *Metrics) RecordTransition(ctx context.Context, payload string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("payload", strings.TrimSpace(payload)))
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.transitionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTransitionFailure records one aborted transition.
func (m *Metrics) RecordTransitionFailure(ctx context.Context, payload, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("payload", strings.TrimSpace(payload)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.transitionFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntries increments ledger entry counts and amounts.
func (m *Metrics) RecordLedgerEntries(ctx context.Context, entryType string, count int, amount int64) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_type", strings.TrimSpace(entryType)))
	m.ledgerEntries.Add(ctx, int64(count), metric.WithAttributes(attrs...))
	if amount > 0 {
		m.entryAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

// RecordCreditsGranted increments the usage credit counter.
func (m *Metrics) RecordCreditsGranted(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.creditsGranted.Add(ctx, int64(count))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"payload":    {},
	"entry_type": {},
	"reason":     {},
	"job":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
