package model

// SegmentStatus tracks one segment through the inference stage.
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentRunning SegmentStatus = "running"
	SegmentDone    SegmentStatus = "done"
	SegmentFailed  SegmentStatus = "failed"
)

// Range is a half-open [Start, End) time range in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the range length in seconds.
func (r Range) Duration() float64 { return r.End - r.Start }

// Segment is one bounded slice of the original audio, processed
// independently. Index is the stable ordering key; indices are contiguous
// from 0 and the total count is fixed once segmentation completes.
type Segment struct {
	Index      int           `json:"index"`
	Range      Range         `json:"range"`
	SourcePath string        `json:"source_path"`
	Status     SegmentStatus `json:"status"`
	// ChunkSize is the resource-sizing parameter the successful inference
	// attempt used, recorded on completion.
	ChunkSize int `json:"chunk_size,omitempty"`
	// Stems maps stem name to the per-segment artifact path, set on
	// success.
	Stems map[string]string `json:"stems,omitempty"`
}
