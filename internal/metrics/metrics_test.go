package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Vector metrics only appear in Gather output once a label set exists.
	UpdatesTotal.WithLabelValues("success")
	AlertsFired.WithLabelValues("critical")
	DeploymentsTotal.WithLabelValues("completed")
	BatchJobsTotal.WithLabelValues("partial")
	NotificationsTotal.WithLabelValues("discord", "sent")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	expected := map[string]bool{
		"dockmon_hosts_monitored":             false,
		"dockmon_agents_connected":            false,
		"dockmon_updates_total":               false,
		"dockmon_update_duration_seconds":     false,
		"dockmon_sweep_duration_seconds":      false,
		"dockmon_sweeps_total":                false,
		"dockmon_updates_available":           false,
		"dockmon_alerts_fired_total":          false,
		"dockmon_deployments_total":           false,
		"dockmon_deployment_duration_seconds": false,
		"dockmon_batch_jobs_total":            false,
		"dockmon_ws_peers":                    false,
		"dockmon_notifications_total":         false,
	}
	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestGaugesAndCounters(t *testing.T) {
	AgentsConnected.Set(2)
	WSPeers.Set(5)
	SweepsTotal.Inc()
	UpdatesTotal.WithLabelValues("rolled_back").Inc()

	if _, err := prometheus.DefaultGatherer.Gather(); err != nil {
		t.Fatalf("gather after updates: %v", err)
	}
}
