// Package metrics exposes kvsvrd's Prometheus metrics and a periodic
// process-resource sampler, grounded on
// teacher_reference/ws/internal/single/monitoring/metrics.go (the
// prometheus.NewCounter/Gauge/HistogramVec catalogue and promhttp
// handler) and monitoring_collectors.go (the gopsutil process-sampling
// ticker loop).
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics is the registry of counters and gauges kvsvrd updates as it
// serves traffic.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed prometheus.Counter

	CommandsTotal      *prometheus.CounterVec
	CommandErrorsTotal *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec

	RecordsTotal prometheus.Gauge
	HeapBytes    prometheus.Gauge

	SubscribersActive prometheus.Gauge
	NotificationsSent *prometheus.CounterVec

	SnapshotsSavedTotal  prometheus.Counter
	SnapshotSaveDuration prometheus.Histogram

	MemoryRSSBytes prometheus.Gauge
	Goroutines     prometheus.Gauge
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvsvrd_connections_total",
			Help: "Total number of accepted TCP connections.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvsvrd_connections_active",
			Help: "Current number of open TCP connections.",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvsvrd_connections_failed_total",
			Help: "Total number of connections rejected or dropped on accept.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvsvrd_commands_total",
			Help: "Total number of commands executed, by command name.",
		}, []string{"command"}),
		CommandErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvsvrd_command_errors_total",
			Help: "Total number of commands that returned an error response message, by command name and message.",
		}, []string{"command", "response_message"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvsvrd_command_duration_seconds",
			Help:    "Command handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		RecordsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvsvrd_records_total",
			Help: "Current number of stored records.",
		}),
		HeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvsvrd_heap_bytes",
			Help: "Current size of the shared storage arena in bytes.",
		}),
		SubscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvsvrd_subscribers_active",
			Help: "Current number of allocated pub/sub subscriber IDs.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvsvrd_notifications_sent_total",
			Help: "Total number of pub/sub notifications delivered, by kind.",
		}, []string{"kind"}),
		SnapshotsSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvsvrd_snapshots_saved_total",
			Help: "Total number of completed snapshot saves.",
		}),
		SnapshotSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvsvrd_snapshot_save_duration_seconds",
			Help:    "Time taken to serialize and write a snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		MemoryRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvsvrd_process_memory_rss_bytes",
			Help: "Resident set size of the kvsvrd process.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvsvrd_goroutines",
			Help: "Current number of goroutines.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed,
		m.CommandsTotal, m.CommandErrorsTotal, m.CommandDuration,
		m.RecordsTotal, m.HeapBytes,
		m.SubscribersActive, m.NotificationsSent,
		m.SnapshotsSavedTotal, m.SnapshotSaveDuration,
		m.MemoryRSSBytes, m.Goroutines,
	)
	return m
}

// Handler returns the HTTP handler kvsvrd mounts at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunProcessSampler periodically samples this process's RSS via
// gopsutil and the live goroutine count, publishing both as gauges,
// until ctx is canceled. Grounded on monitoring_collectors.go's
// collectMetrics ticker loop.
func RunProcessSampler(ctx context.Context, m *Metrics, interval time.Duration, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("metrics: could not open self process handle, RSS sampling disabled")
		proc = nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if proc != nil {
				if info, err := proc.MemoryInfo(); err == nil {
					m.MemoryRSSBytes.Set(float64(info.RSS))
				}
			}
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
