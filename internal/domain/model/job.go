package model

import "time"

// State is the job-level lifecycle state. It only moves forward:
// idle -> running -> completed|error, with error reachable from any
// non-terminal state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// TaskName identifies one progress facet of a job. Tasks are not a linear
// pipeline: models reflects a one-time process precondition, the other
// three reflect this job's own work.
type TaskName string

const (
	TaskModels     TaskName = "models"
	TaskCutting    TaskName = "cutting"
	TaskInference  TaskName = "inference"
	TaskConversion TaskName = "conversion"
)

// TaskOrder is the fixed order in which the work tasks run inside the
// running state.
var TaskOrder = []TaskName{TaskModels, TaskCutting, TaskInference, TaskConversion}

// TaskStatus is the status of a single task facet.
type TaskStatus string

const (
	TaskDone    TaskStatus = "done"
	TaskNoWork  TaskStatus = "no_work"
	TaskRunning TaskStatus = "running"
	TaskFailed  TaskStatus = "failed"
)

// Final reports whether a task status can no longer change.
func (s TaskStatus) Final() bool {
	return s == TaskDone || s == TaskNoWork || s == TaskFailed
}

// JobOptions are the caller-requested knobs for one separation job.
type JobOptions struct {
	// CutPoints are explicit cut timestamps in ascending seconds. Empty
	// means duration-based segmentation.
	CutPoints []float64 `json:"cut_points,omitempty"`
	// Stems selects which stems to reassemble. Empty means the default
	// selection for the active ensemble.
	Stems []string `json:"stems,omitempty"`
	// AllStems requests every stem the ensemble produces.
	AllStems bool `json:"all_stems,omitempty"`
}

// ErrorDetail captures the failing task and error kind of a job that
// reached the error state.
type ErrorDetail struct {
	Task    TaskName `json:"task"`
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
}

// JobInfo is an immutable job summary for listings and archival.
type JobInfo struct {
	ID          string       `json:"job_id"`
	Source      string       `json:"source"`
	State       State        `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
}
