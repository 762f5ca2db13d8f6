package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	started         prometheus.Counter
	finished        *prometheus.CounterVec
	running         prometheus.Gauge
	downloadedBytes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		started: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "jobs_started_total",
			Help:      "Total number of jobs picked up by the executor.",
		}),
		finished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state.",
		}, []string{"status"}),
		running: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "ferry",
			Name:      "jobs_running",
			Help:      "Number of jobs currently running or merging.",
		}),
		downloadedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "downloaded_bytes_total",
			Help:      "Total number of bytes reported by download engines.",
		}),
	}
}
