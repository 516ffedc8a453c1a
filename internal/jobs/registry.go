package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/ports/sink"
)

const sinkTimeout = 2 * time.Second

// Registry is the single point of mutation for job existence. It gives
// the server multi-job isolation: each job's state is mutated only by the
// pipeline executing it, while status queries read snapshots without ever
// blocking on a running pipeline.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string
	rootDir string

	sinks   []sink.ProgressSink
	archive sink.JobArchive
	log     *zerolog.Logger
}

func NewRegistry(rootDir string, logger *zerolog.Logger) *Registry {
	regLog := logger.With().Str("component", "registry").Logger()
	return &Registry{
		jobs:    make(map[string]*Job),
		rootDir: rootDir,
		log:     &regLog,
	}
}

// AttachSink adds an optional secondary snapshot destination.
func (r *Registry) AttachSink(s sink.ProgressSink) {
	r.sinks = append(r.sinks, s)
}

// AttachArchive sets the optional terminal-job archive.
func (r *Registry) AttachArchive(a sink.JobArchive) {
	r.archive = a
}

// Create inserts a new idle job and its workspace directory. A blank id
// gets a generated one; a duplicate id is rejected.
func (r *Registry) Create(id, source string, opts model.JobOptions) (*Job, error) {
	if id == "" {
		id = ulid.Make().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return nil, domain.ErrAlreadyExists
	}

	workDir := filepath.Join(r.rootDir, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	job := newJob(id, source, opts, workDir, func(snap model.ProgressSnapshot) {
		r.forward(snap)
	})
	r.jobs[id] = job
	r.order = append(r.order, id)
	r.log.Info().Str("job_id", id).Str("source", source).Msg("job created")
	return job, nil
}

// Get returns the job for an identifier.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// List returns job summaries, newest first, optionally filtered by state.
// limit <= 0 means no limit.
func (r *Registry) List(state model.State, limit int) []model.JobInfo {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	jobs := make([]*Job, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		jobs = append(jobs, r.jobs[ids[i]])
	}
	r.mu.RUnlock()

	out := make([]model.JobInfo, 0, len(jobs))
	for _, job := range jobs {
		info := job.Info()
		if state != "" && info.State != state {
			continue
		}
		out = append(out, info)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Counts reports active (non-terminal) and completed job totals.
func (r *Registry) Counts() (active, completed int) {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	for _, job := range jobs {
		switch job.State() {
		case model.StateCompleted:
			completed++
		case model.StateIdle, model.StateRunning:
			active++
		}
	}
	return active, completed
}

// Delete removes a terminal job and its workspace. Running jobs cannot be
// deleted; the base design has no mid-job cancellation.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	if !job.State().Terminal() {
		r.mu.Unlock()
		return domain.ErrJobRunning
	}
	delete(r.jobs, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := os.RemoveAll(job.WorkDir()); err != nil {
		r.log.Warn().Err(err).Str("job_id", id).Msg("workspace removal failed")
	}
	r.log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// discard removes a job that was created but never started, together
// with its workspace. It exists for enqueue failures only.
func (r *Registry) discard(id string) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok && job.State() == model.StateIdle {
		delete(r.jobs, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		if err := os.RemoveAll(job.WorkDir()); err != nil {
			r.log.Warn().Err(err).Str("job_id", id).Msg("workspace removal failed")
		}
	}
}

// forward pushes one snapshot to the attached sinks, and terminal
// snapshots to the archive. Sink failures are logged, never propagated to
// the pipeline.
func (r *Registry) forward(snap model.ProgressSnapshot) {
	if len(r.sinks) == 0 && r.archive == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	for _, s := range r.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			r.log.Warn().Err(err).Str("job_id", snap.JobID).Msg("progress sink publish failed")
		}
	}

	if r.archive != nil && snap.State.Terminal() {
		r.mu.RLock()
		job, ok := r.jobs[snap.JobID]
		r.mu.RUnlock()
		if ok {
			if err := r.archive.SaveTerminal(ctx, job.Info(), snap); err != nil {
				r.log.Warn().Err(err).Str("job_id", snap.JobID).Msg("job archive write failed")
			}
		}
	}
}
