// Package telemetrytest records metrics in memory for assertions.
package telemetrytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/wolfeidau/estatedash/internal/telemetry"
)

// Recorder collects metrics from a private meter provider.
type Recorder struct {
	t       testing.TB
	reader  *sdkmetric.ManualReader
	Metrics *telemetry.Metrics
}

// New creates a recorder with its own instruments.
func New(t testing.TB) *Recorder {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return &Recorder{t: t, reader: reader, Metrics: telemetry.NewMetrics(provider)}
}

// Count returns the sum of the int64 counter name across data points whose
// attributes include every key=value pair in attrs.
func (r *Recorder) Count(name string, attrs ...string) int64 {
	r.t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(r.t, r.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes.ToSlice(), attrs) {
					total += dp.Value
				}
			}
		}
	}

	return total
}

func matches(kvs []attribute.KeyValue, attrs []string) bool {
	for i := 0; i+1 < len(attrs); i += 2 {
		found := false
		for _, kv := range kvs {
			if string(kv.Key) == attrs[i] && kv.Value.Emit() == attrs[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
