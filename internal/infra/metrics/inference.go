package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(segmentAttempts, segmentChunkSize, segmentDuration, inferenceRetriesTotal) }

var segmentAttempts = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "separation_segment_attempts",
		Help:    "Attempts needed per segment before separation succeeded.",
		Buckets: []float64{1, 2, 3, 5, 8, 12, 20},
	},
)

var segmentChunkSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "separation_segment_chunk_size",
		Help:    "Chunk size of the successful separation attempt, in seconds.",
		Buckets: []float64{2, 5, 10, 15, 20, 30, 40, 60},
	},
)

var segmentDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "separation_segment_duration_seconds",
		Help:    "Wall time spent separating one segment, retries included.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	},
)

var inferenceRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "separation_inference_retries_total",
		Help: "Total chunk-shrink retries caused by resource exhaustion.",
	},
)

// ObserveSegment records one successfully separated segment.
func ObserveSegment(attempts, chunkSize int, seconds float64) {
	segmentAttempts.Observe(float64(attempts))
	segmentChunkSize.Observe(float64(chunkSize))
	segmentDuration.Observe(seconds)
	if attempts > 1 {
		inferenceRetriesTotal.Add(float64(attempts - 1))
	}
}
