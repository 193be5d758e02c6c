package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_dispatches_total",
			Help: "Total number of process launches, by dispatch scope.",
		},
		[]string{"scope"},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_process_timeouts_total",
			Help: "Total number of processes marked timed out.",
		},
	)

	restartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_process_restarts_total",
			Help: "Total number of process restarts.",
		},
	)

	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_sweeps_total",
			Help: "Total number of timeout sweeper passes.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchesTotal)
	prometheus.MustRegister(timeoutsTotal)
	prometheus.MustRegister(restartsTotal)
	prometheus.MustRegister(sweepsTotal)
}
