package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "casewire",
		Name:      "queue_depth",
		Help:      "Number of runs waiting for admission.",
	})
	runsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "casewire",
		Name:      "runs_running",
		Help:      "Number of runs currently executing.",
	})
	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casewire",
		Name:      "runs_completed_total",
		Help:      "Completed runs by terminal status.",
	}, []string{"status"})
)
