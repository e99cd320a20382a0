// Package metrics exposes the control plane's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HostsMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_hosts_monitored",
		Help: "Number of hosts under management.",
	})
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_agents_connected",
		Help: "Number of agents with a live WebSocket session.",
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_updates_total",
		Help: "Container updates by outcome.",
	}, []string{"outcome"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_update_duration_seconds",
		Help:    "Duration of container update operations.",
		Buckets: prometheus.DefBuckets,
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_sweep_duration_seconds",
		Help:    "Duration of update-availability sweeps.",
		Buckets: prometheus.DefBuckets,
	})
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockmon_sweeps_total",
		Help: "Update-availability sweeps performed.",
	})
	UpdatesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_updates_available",
		Help: "Containers with a newer image available.",
	})
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_alerts_fired_total",
		Help: "Alerts opened by severity.",
	}, []string{"severity"})
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_deployments_total",
		Help: "Deployments by outcome.",
	}, []string{"outcome"})
	DeploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_deployment_duration_seconds",
		Help:    "Duration of stack deployments.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	BatchJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_batch_jobs_total",
		Help: "Batch jobs by terminal status.",
	}, []string{"status"})
	WSPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_ws_peers",
		Help: "Connected UI WebSocket peers.",
	})
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_notifications_total",
		Help: "Notification deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})
)
