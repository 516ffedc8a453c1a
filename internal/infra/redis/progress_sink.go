package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/ports/sink"
)

const progressKeyPrefix = "separation:progress:"

// ProgressSink mirrors every snapshot into a redis key so external
// pollers can read progress without touching the engine. It is an
// optional secondary channel; the in-memory registry stays primary.
type ProgressSink struct {
	cli RedisClient
	ttl time.Duration
}

var _ sink.ProgressSink = (*ProgressSink)(nil)

func NewProgressSink(cli RedisClient, ttl time.Duration) *ProgressSink {
	return &ProgressSink{cli: cli, ttl: ttl}
}

func (s *ProgressSink) Publish(ctx context.Context, snap model.ProgressSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.cli.Set(ctx, progressKeyPrefix+snap.JobID, payload, s.ttl)
}
