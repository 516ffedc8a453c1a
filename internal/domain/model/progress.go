package model

// ProgressDetails carries segment counters for a snapshot.
type ProgressDetails struct {
	CompletedSegments int     `json:"completed_segments"`
	TotalSegments     int     `json:"total_segments"`
	Percent           float64 `json:"percent"`
}

// ProgressSnapshot is the immutable progress record derived from a job at
// a point in time. It is the sole contract the engine exposes to polling
// clients; percent is 100*completed/total once segmentation is known and
// 0 before, and never decreases across snapshots of the same job.
type ProgressSnapshot struct {
	JobID          string                  `json:"job_id"`
	State          State                   `json:"state"`
	Tasks          map[TaskName]TaskStatus `json:"tasks"`
	Timestamp      int64                   `json:"timestamp"`
	ElapsedSeconds float64                 `json:"elapsed_seconds"`
	Details        ProgressDetails         `json:"details"`
	Error          *ErrorDetail            `json:"error,omitempty"`
}
