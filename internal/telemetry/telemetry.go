// Package telemetry owns the OpenTelemetry meter provider and the bridge's
// counters. All Metrics methods are safe on a nil receiver.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/ILLUVRSE/AssetBridge"

type Config struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Interval    time.Duration
}

// Setup installs a global meter provider. Without an endpoint it returns a
// provider with no readers so instruments are no-ops.
func Setup(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Endpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, nil
}

type Metrics struct {
	oracleFetch   metric.Int64Counter
	transitions   metric.Int64Counter
	anomalies     metric.Int64Counter
	ledgerCalls   metric.Int64Counter
	verifications metric.Int64Counter
	revocations   metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.oracleFetch, "bridge.oracle.fetch", "Oracle fetches by outcome"},
		{&m.transitions, "bridge.transitions", "Status transitions by outcome"},
		{&m.anomalies, "bridge.oracle.anomalies", "Unrecognised oracle status codes"},
		{&m.ledgerCalls, "bridge.ledger.calls", "Ledger gateway calls by operation and outcome"},
		{&m.verifications, "bridge.verifications", "Delivery proof verifications by outcome"},
		{&m.revocations, "bridge.revocations", "Revocation attempts by resulting state"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{call}"))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// OracleFetch records result fresh, cache or error.
func (m *Metrics) OracleFetch(ctx context.Context, result string) {
	if m == nil {
		return
	}
	add(ctx, m.oracleFetch, attribute.String("result", result))
}

// Transition records result accepted, noop or rejected.
func (m *Metrics) Transition(ctx context.Context, result string) {
	if m == nil {
		return
	}
	add(ctx, m.transitions, attribute.String("result", result))
}

func (m *Metrics) Anomaly(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.anomalies)
}

func (m *Metrics) LedgerCall(ctx context.Context, op, result string) {
	if m == nil {
		return
	}
	add(ctx, m.ledgerCalls, attribute.String("op", op), attribute.String("result", result))
}

func (m *Metrics) Verification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	add(ctx, m.verifications, attribute.String("result", result))
}

func (m *Metrics) Revocation(ctx context.Context, state string) {
	if m == nil {
		return
	}
	add(ctx, m.revocations, attribute.String("state", state))
}
