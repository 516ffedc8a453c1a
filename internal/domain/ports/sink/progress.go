package sink

import (
	"context"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// ProgressSink receives every progress snapshot a job emits. The in-memory
// registry is the primary channel; sinks are optional secondary
// destinations (redis key, postgres archive) and must never block the
// pipeline for long.
type ProgressSink interface {
	Publish(ctx context.Context, snap model.ProgressSnapshot) error
}

// JobArchive persists terminal job records for history queries.
type JobArchive interface {
	SaveTerminal(ctx context.Context, info model.JobInfo, snap model.ProgressSnapshot) error
}
