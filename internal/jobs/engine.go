package jobs

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/worker"
)

// Engine ties the registry, the pipeline and the worker pool together:
// it is the single entry point for submitting new jobs.
type Engine struct {
	registry *Registry
	pipeline *Pipeline
	workers  *worker.Pool
	log      *zerolog.Logger
}

func NewEngine(registry *Registry, pipeline *Pipeline, workers *worker.Pool, logger *zerolog.Logger) *Engine {
	engLog := logger.With().Str("component", "engine").Logger()
	return &Engine{registry: registry, pipeline: pipeline, workers: workers, log: &engLog}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Submit registers a new job and queues its pipeline. When the worker
// queue is saturated the job is discarded again and ErrQueueFull is
// returned so the caller can push back.
func (e *Engine) Submit(id, source string, opts model.JobOptions) (*Job, error) {
	job, err := e.registry.Create(id, source, opts)
	if err != nil {
		return nil, err
	}

	task := func(ctx context.Context) error {
		e.pipeline.Run(ctx, job)
		return nil
	}
	if err := e.workers.Submit(task); err != nil {
		e.registry.discard(job.ID())
		e.log.Warn().Str("job_id", job.ID()).Msg("job rejected, queue full")
		return nil, domain.ErrQueueFull
	}
	return job, nil
}
