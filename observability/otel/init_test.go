package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =skip,x-tenant=ledger")
	require.Equal(t, map[string]string{"api-key": "secret", "x-tenant": "ledger"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestInitWithoutExporters(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	cfg := Config{ServiceName: "escrowd"}
	require.False(t, cfg.Enabled())
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestResourceCarriesServiceIdentity(t *testing.T) {
	res, err := Config{ServiceName: "escrowd", Version: "1.2.0", Environment: "staging"}.resource()
	require.NoError(t, err)
	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "escrowd", values["service.name"])
	require.Equal(t, "1.2.0", values["service.version"])
	require.Equal(t, "staging", values["deployment.environment"])

	res, err = Config{ServiceName: "escrowd"}.resource()
	require.NoError(t, err)
	for _, kv := range res.Attributes() {
		require.NotEqual(t, "service.version", string(kv.Key))
	}
}

func TestSamplerAndIntervalDefaults(t *testing.T) {
	require.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
	require.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
	require.Equal(t, defaultMetricInterval, Config{}.metricInterval())
	require.Equal(t, 5*time.Second, Config{MetricInterval: 5 * time.Second}.metricInterval())
}
