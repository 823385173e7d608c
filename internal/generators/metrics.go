package generators

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fallora",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of generation jobs submitted",
		},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fallora",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Generation jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	pollAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fallora",
			Subsystem: "jobs",
			Name:      "poll_attempts_total",
			Help:      "Total number of job status fetches",
		},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fallora",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmittedTotal, jobsFinishedTotal, pollAttemptsTotal, jobDuration)
}

// Job outcome labels.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
	outcomeEmpty     = "empty_result"
	outcomeTransport = "transport_error"
	outcomeCanceled  = "canceled"
)
