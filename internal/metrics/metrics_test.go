package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestRecorders(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheDecision("tea", "reused")
	m.CacheDecision("tea", "reused")
	m.CacheDecision("tea", "exact")
	m.Transfer("upload", 128)
	m.ResidentBytes(0, 128)
	m.ResidentBytes(1, 64)
	m.Collective("all_to_all", time.Millisecond, errors.New("boom"))
	m.Request("ok", time.Second)
	m.ApproximationError("taylorseer", 0.02)
	m.Pass("wan2.1", "cond", 5*time.Millisecond)
	m.Pass("wan2.1", "uncond", 5*time.Millisecond)
	m.Step("wan2.1", 10*time.Millisecond)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"vidgen_cache_decisions_total", map[string]string{"decision": "reused"}, 2},
		{"vidgen_cache_decisions_total", map[string]string{"decision": "exact"}, 1},
		{"vidgen_residency_transfer_bytes_total", map[string]string{"direction": "upload"}, 128},
		{"vidgen_accelerator_resident_bytes", map[string]string{"rank": "0"}, 128},
		{"vidgen_accelerator_resident_bytes", map[string]string{"rank": "1"}, 64},
		{"vidgen_collective_errors_total", map[string]string{"op": "all_to_all"}, 1},
		{"vidgen_requests_total", map[string]string{"status": "ok"}, 1},
		{"vidgen_cache_approximation_error", map[string]string{"mode": "taylorseer"}, 1},
		{"vidgen_pass_duration_seconds", map[string]string{"branch": "cond"}, 1},
		{"vidgen_pass_duration_seconds", map[string]string{"branch": "uncond"}, 1},
		{"vidgen_step_duration_seconds", map[string]string{"family": "wan2.1"}, 1},
	}
	for _, c := range checks {
		if got := counterValue(t, reg, c.name, c.labels); got != c.want {
			t.Errorf("%s%v: got %v want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.CacheDecision("tea", "exact")
	m.Transfer("download", 1)
	m.Collective("barrier", 0, nil)
	m.Request("error", 0)
}
