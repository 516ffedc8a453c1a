package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsProcessedTotal, jobsActive) }

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "separation_jobs_processed_total",
		Help: "Total number of separation jobs finished, labeled by terminal state.",
	},
	[]string{"state"}, // 'completed', 'error'
)

var jobsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "separation_jobs_active",
		Help: "Number of jobs currently executing their pipeline.",
	},
)

// IncJob counts one finished job by terminal state.
func IncJob(state string) {
	jobsProcessedTotal.WithLabelValues(state).Inc()
}

// SetJobsActive adjusts the active-job gauge by delta.
func SetJobsActive(delta float64) {
	jobsActive.Add(delta)
}
