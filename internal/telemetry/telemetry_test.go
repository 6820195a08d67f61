package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.OracleFetch(ctx, "fresh")
	m.OracleFetch(ctx, "fresh")
	m.OracleFetch(ctx, "cache")
	m.Transition(ctx, "rejected")
	m.LedgerCall(ctx, "mint", "ok")

	sums := collect(t, reader)
	fetch := sums["bridge.oracle.fetch"]
	require.Len(t, fetch.DataPoints, 2)
	byResult := map[string]int64{}
	for _, dp := range fetch.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("result"))
		byResult[v.AsString()] = dp.Value
	}
	assert.Equal(t, int64(2), byResult["fresh"])
	assert.Equal(t, int64(1), byResult["cache"])

	ledger := sums["bridge.ledger.calls"]
	require.Len(t, ledger.DataPoints, 1)
	op, _ := ledger.DataPoints[0].Attributes.Value("op")
	assert.Equal(t, "mint", op.AsString())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OracleFetch(context.Background(), "error")
		m.Revocation(context.Background(), "completed")
	})
}

func TestSetupWithoutEndpoint(t *testing.T) {
	mp, err := Setup(context.Background(), Config{ServiceName: "asset-bridge-test"})
	require.NoError(t, err)
	defer mp.Shutdown(context.Background())
	_, err = NewMetrics(mp)
	require.NoError(t, err)
}
