package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/worker"
)

func newTestEngine(t *testing.T, workers, queueSize int, start bool) (*Engine, *pipelineFixture) {
	t.Helper()
	log := zerolog.Nop()
	f := newPipelineFixture(t)
	pool := worker.NewPool(workers, queueSize, &log)
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		pool.Start(ctx)
		t.Cleanup(pool.Stop)
	}
	return NewEngine(f.registry, f.pipeline, pool, &log), f
}

func waitTerminal(t *testing.T, job *Job) model.ProgressSnapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	ch, cancel := job.Subscribe()
	defer cancel()
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return job.Snapshot()
			}
			if snap.State.Terminal() {
				return snap
			}
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", job.ID())
		}
	}
}

func TestEngineRunsSubmittedJob(t *testing.T) {
	t.Parallel()

	engine, f := newTestEngine(t, 1, 4, true)
	job, err := engine.Submit("job-1", f.source, model.JobOptions{CutPoints: []float64{300}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := waitTerminal(t, job)
	if snap.State != model.StateCompleted {
		t.Fatalf("state = %s (err %+v), want completed", snap.State, snap.Error)
	}
}

func TestEngineQueueFull(t *testing.T) {
	t.Parallel()

	// Workers never started, so the queue (capacity 1) fills immediately.
	engine, f := newTestEngine(t, 1, 1, false)

	if _, err := engine.Submit("queued", f.source, model.JobOptions{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := engine.Submit("rejected", f.source, model.JobOptions{}); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	// The rejected job must leave no trace behind.
	if _, err := engine.Registry().Get("rejected"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected job still registered: %v", err)
	}
}

func TestEngineDuplicateSubmit(t *testing.T) {
	t.Parallel()

	engine, f := newTestEngine(t, 1, 4, true)
	if _, err := engine.Submit("job-1", f.source, model.JobOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := engine.Submit("job-1", f.source, model.JobOptions{}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}
