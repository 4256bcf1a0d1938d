package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric
			}
		}
	}
	return nil
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok {
			if v != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	metric := findMetric(t, name, labels)
	if metric == nil || metric.Counter == nil {
		return 0
	}
	return metric.Counter.GetValue()
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	require.Same(t, m, ModuleMetrics())

	before := counterValue(t, "escrowledger_rpc_errors_total", map[string]string{"module": "escrow", "method": "escrow_refund", "code": "-32030"})
	m.Observe("escrow", "escrow_refund", -32030, 5*time.Millisecond)
	m.Observe("escrow", "escrow_refund", 0, time.Millisecond)
	m.RecordThrottle("escrow", "")

	require.Equal(t, before+1, counterValue(t, "escrowledger_rpc_errors_total", map[string]string{"module": "escrow", "method": "escrow_refund", "code": "-32030"}))
	require.GreaterOrEqual(t, counterValue(t, "escrowledger_rpc_requests_total", map[string]string{"method": "escrow_refund", "outcome": "success"}), float64(1))
	require.GreaterOrEqual(t, counterValue(t, "escrowledger_rpc_throttles_total", map[string]string{"reason": "unspecified"}), float64(1))

	latency := findMetric(t, "escrowledger_rpc_request_duration_seconds", map[string]string{"method": "escrow_refund"})
	require.NotNil(t, latency)
	require.GreaterOrEqual(t, latency.GetHistogram().GetSampleCount(), uint64(2))

	var nilMetrics *moduleMetrics
	nilMetrics.Observe("escrow", "x", 1, 0)
	nilMetrics.RecordThrottle("escrow", "x")
}

func TestEscrowMetricsValueFlows(t *testing.T) {
	m := Escrow()
	labels := map[string]string{"flow": "fee"}
	before := counterValue(t, "escrowledger_escrow_value_micro_total", labels)
	m.RecordValue(" FEE ", 50_250)
	m.RecordValue("fee", 0)
	require.Equal(t, before+50_250, counterValue(t, "escrowledger_escrow_value_micro_total", labels))

	m.Observe("release", "", time.Millisecond)
	require.GreaterOrEqual(t, counterValue(t, "escrowledger_escrow_operations_total", map[string]string{"operation": "release", "outcome": "success"}), float64(1))

	m.RecordEvent("")
	require.GreaterOrEqual(t, counterValue(t, "escrowledger_escrow_events_total", map[string]string{"type": "unknown"}), float64(1))
}
