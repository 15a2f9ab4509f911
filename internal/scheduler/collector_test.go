package scheduler

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorExportsSchedulerState(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeDispatcher{}, nil)
	reg := prometheus.NewRegistry()
	if _, err := RegisterCollector(reg, s); err != nil {
		t.Fatalf("RegisterCollector: %v", err)
	}

	ctx := context.Background()
	s.Submit(ctx, prRequest(42, "feature/x", "abc"))
	s.Submit(ctx, prRequest(42, "feature/x", "abc"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	if values["deploygate_scheduler_active_deployments"] != 1 {
		t.Fatalf("expected one active deployment, got %v", values["deploygate_scheduler_active_deployments"])
	}
	if values["deploygate_scheduler_duplicates_prevented_total"] != 1 {
		t.Fatalf("expected one duplicate, got %v", values["deploygate_scheduler_duplicates_prevented_total"])
	}
	if values["deploygate_scheduler_transitions_total"] != 2 {
		t.Fatalf("expected two transitions, got %v", values["deploygate_scheduler_transitions_total"])
	}
}
