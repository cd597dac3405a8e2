package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTrackerRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("ledger:verify").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger:verify").End(boom), boom)
	m.AddOutput("ledger:verify", "drift", 2)
	m.AddOutput("ledger:verify", "drift", 0)

	require.InDelta(t, 1, counterValue(t, reg, "floorops_jobs_total", map[string]string{"job": "ledger:verify", "status": "success"}), 0)
	require.InDelta(t, 1, counterValue(t, reg, "floorops_jobs_failures_total", map[string]string{"job": "ledger:verify"}), 0)
	require.InDelta(t, 2, counterValue(t, reg, "floorops_job_outputs_total", map[string]string{"job": "ledger:verify", "kind": "drift"}), 0)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddOutput("x", "y", 1)
	require.NoError(t, m.Track("x").End(nil))
}
