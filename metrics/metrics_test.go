package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	meter, err := New(&Config{Enabled: false})
	require.NoError(t, err)

	_, ok := meter.(*noopMeter)
	assert.True(t, ok)

	// noop 指标的所有操作都应是安全的空操作
	ctx := context.Background()
	counter, err := meter.Counter("x_total", "x")
	require.NoError(t, err)
	counter.Inc(ctx)
	counter.Add(ctx, 5)

	gauge, err := meter.Gauge("y", "y")
	require.NoError(t, err)
	gauge.Set(ctx, 1)
	gauge.Inc(ctx)
	gauge.Dec(ctx)

	histogram, err := meter.Histogram("z_seconds", "z")
	require.NoError(t, err)
	histogram.Record(ctx, 0.5)

	assert.NoError(t, meter.Shutdown(ctx))
}

func TestNewNilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestEnabledMeter(t *testing.T) {
	meter, err := New(&Config{
		Enabled:     true,
		ServiceName: "meshkit-test",
		Version:     "v0.0.1",
		// Port 为 0，不启动 HTTP 服务器
	})
	require.NoError(t, err)
	defer meter.Shutdown(context.Background())

	ctx := context.Background()

	counter, err := meter.Counter("rpc_requests_total", "RPC requests", WithUnit("requests"))
	require.NoError(t, err)
	counter.Inc(ctx, L("service", "payments"))
	counter.Add(ctx, 3, L("service", "payments"))

	gauge, err := meter.Gauge("active_channels", "Active channels")
	require.NoError(t, err)
	gauge.Set(ctx, 2, L("service", "payments"))
	gauge.Inc(ctx, L("service", "payments"))
	gauge.Dec(ctx, L("service", "payments"))

	histogram, err := meter.Histogram("rpc_duration_seconds", "RPC duration",
		WithUnit("s"),
		WithBuckets([]float64{0.01, 0.1, 1}),
	)
	require.NoError(t, err)
	histogram.Record(ctx, 0.05, L("service", "payments"))
}

func TestLabelKeyStable(t *testing.T) {
	a := labelKey([]Label{L("b", "2"), L("a", "1")})
	b := labelKey([]Label{L("a", "1"), L("b", "2")})
	assert.Equal(t, a, b)
	assert.Equal(t, "", labelKey(nil))
}

func TestWithOptions(t *testing.T) {
	opts := &MetricOptions{}
	WithUnit("seconds")(opts)
	WithBuckets([]float64{1, 2, 3})(opts)

	assert.Equal(t, "seconds", opts.Unit)
	assert.Equal(t, []float64{1, 2, 3}, opts.Buckets)
}
