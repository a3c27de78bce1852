// Package metrics provides Prometheus metrics for drbdmc.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// Metric names use the drbdmc_ prefix.
const (
	Namespace = "drbdmc"
)

// Command result label values.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultError     = "error"
	ResultCancelled = "cancelled"
	ResultCached    = "cached"
)

var (
	// BuildInfo reports the running version.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "go_version"},
	)

	// CommandsTotal counts finished commands by host, mode and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of commands run, by host, mode and result",
		},
		[]string{"host", "mode", "result"},
	)

	// CommandDuration observes command wall time.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of remote commands in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		},
		[]string{"host", "mode"},
	)

	// CacheHitsTotal counts commands served from the host cache.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "command_cache_hits_total",
			Help:      "Total number of commands answered from the output cache",
		},
		[]string{"host"},
	)

	// DryRunsTotal counts dry runs by result.
	DryRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dry_runs_total",
			Help:      "Total number of dry runs, by result",
		},
		[]string{"result"},
	)

	// ConnectionAttemptsTotal counts finished connect attempts by outcome.
	ConnectionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connection_attempts_total",
			Help:      "Total number of SSH connect attempts, by host and outcome",
		},
		[]string{"host", "outcome"},
	)

	// HostConnected is 1 while a host has an authenticated connection.
	HostConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "host_connected",
			Help:      "Whether the host has an authenticated SSH connection (1=yes, 0=no)",
		},
		[]string{"host"},
	)

	// HostsRegistered reports the number of registered hosts.
	HostsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "hosts_registered",
			Help:      "Number of registered cluster hosts",
		},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// ConnectionObserver records connection lifecycle events. It implements
// sshutil.Observer.
type ConnectionObserver struct{}

// StateChanged implements sshutil.Observer.
func (ConnectionObserver) StateChanged(host string, state sshutil.State) {
	if state == sshutil.StateAuthenticated {
		HostConnected.WithLabelValues(host).Set(1)
		return
	}
	HostConnected.WithLabelValues(host).Set(0)
}

// AttemptFinished implements sshutil.Observer.
func (ConnectionObserver) AttemptFinished(host string, outcome sshutil.Outcome) {
	ConnectionAttemptsTotal.WithLabelValues(host, outcome.String()).Inc()
}
