package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrModelsNotReady  = errors.New("separation models not ready")
	ErrJobRunning      = errors.New("job is still running")
	ErrQueueFull       = errors.New("job queue is full")

	// Separation pipeline errors (see ErrorKind for the wire names)
	ErrInvalidCutPoints      = errors.New("invalid cut points")
	ErrSegmentExtraction     = errors.New("segment extraction failed")
	ErrEnsembleShapeMismatch = errors.New("ensemble members disagree in sample count")
	ErrResourceExhausted     = errors.New("accelerator resources exhausted")
	ErrInference             = errors.New("inference failed")
	ErrReassembly            = errors.New("reassembly failed")
)

// ErrorKind maps a pipeline error to the stable kind string reported in a
// job's error detail, so callers can tell a transient resource issue from
// a malformed input.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCutPoints):
		return "invalid_cut_points"
	case errors.Is(err, ErrSegmentExtraction):
		return "segment_extraction"
	case errors.Is(err, ErrEnsembleShapeMismatch):
		return "ensemble_shape_mismatch"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrInference):
		return "inference"
	case errors.Is(err, ErrReassembly):
		return "reassembly"
	case errors.Is(err, ErrModelsNotReady):
		return "models_not_ready"
	default:
		return "internal"
	}
}
