package separation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// RetryPolicy bounds the adaptive chunk-size retry loop.
type RetryPolicy struct {
	// DefaultChunk is the process-wide starting chunk size in seconds.
	DefaultChunk int
	// Step is the fixed linear decrement applied after each
	// resource-exhaustion failure.
	Step int
	// MinChunk is the floor; a retry whose chunk would be at or below it
	// fails permanently instead of running.
	MinChunk int
	// MaxAttempts caps total attempts per segment.
	MaxAttempts int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.DefaultChunk <= 0 {
		p.DefaultChunk = 40
	}
	if p.Step <= 0 {
		p.Step = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 20
	}
	return p
}

// SegmentResult reports one finished segment.
type SegmentResult struct {
	Index int
	// ChunkSize is the chunk the successful attempt used.
	ChunkSize int
	Attempts  int
	// Elapsed covers the whole retry loop, failed attempts included.
	Elapsed time.Duration
	Stems   map[string]string
}

// Hooks lets the caller observe per-segment lifecycle events. Both
// callbacks may be invoked from concurrent goroutines.
type Hooks struct {
	OnSegmentStart func(index int)
	OnSegmentDone  func(res SegmentResult)
}

// Executor drives the model pool over every segment of a job, recovering
// from resource exhaustion by shrinking the chunk size instead of failing
// the job outright. Other failure classes are not helped by smaller
// chunks and fail the segment immediately.
type Executor struct {
	pool        ModelPool
	policy      RetryPolicy
	concurrency int
	log         *zerolog.Logger
}

func NewExecutor(pool ModelPool, policy RetryPolicy, concurrency int, logger *zerolog.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 1
	}
	execLog := logger.With().Str("component", "executor").Logger()
	return &Executor{pool: pool, policy: policy.withDefaults(), concurrency: concurrency, log: &execLog}
}

// Run separates every segment, writing per-segment stem artifacts under
// workDir. Segments may run concurrently up to the configured bound; the
// first failure cancels the rest and is returned. The caller must not
// consume partial results: reassembly happens only after Run returns nil.
func (e *Executor) Run(ctx context.Context, segments []model.Segment, workDir string, hooks Hooks) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, seg := range segments {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			wg.Wait()
			mu.Lock()
			defer mu.Unlock()
			if firstErr != nil {
				return firstErr
			}
			return runCtx.Err()
		}

		wg.Add(1)
		go func(seg model.Segment) {
			defer wg.Done()
			defer func() { <-sem }()

			if hooks.OnSegmentStart != nil {
				hooks.OnSegmentStart(seg.Index)
			}
			res, err := e.separateOne(runCtx, seg, workDir)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			if hooks.OnSegmentDone != nil {
				hooks.OnSegmentDone(res)
			}
		}(seg)
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// separateOne runs the bounded chunk-shrink retry loop for one segment.
// Each retry is independent: a fresh attempt directory, no partial output
// reuse.
func (e *Executor) separateOne(ctx context.Context, seg model.Segment, workDir string) (SegmentResult, error) {
	chunk := e.policy.DefaultChunk
	started := time.Now()

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		attemptDir := filepath.Join(workDir, fmt.Sprintf("seg-%03d-%s", seg.Index, uuid.NewString()[:8]))
		stems, err := e.pool.Separate(ctx, seg.SourcePath, attemptDir, chunk)
		if err == nil {
			e.log.Debug().Int("segment", seg.Index).Int("chunk", chunk).Int("attempts", attempt).Msg("segment separated")
			return SegmentResult{Index: seg.Index, ChunkSize: chunk, Attempts: attempt, Elapsed: time.Since(started), Stems: stems}, nil
		}

		_ = os.RemoveAll(attemptDir)

		if ctx.Err() != nil {
			return SegmentResult{}, ctx.Err()
		}
		if !errors.Is(err, domain.ErrResourceExhausted) {
			if errors.Is(err, domain.ErrInference) || errors.Is(err, domain.ErrEnsembleShapeMismatch) {
				return SegmentResult{}, err
			}
			return SegmentResult{}, fmt.Errorf("%w: segment %d: %v", domain.ErrInference, seg.Index, err)
		}

		next := chunk - e.policy.Step
		if next <= e.policy.MinChunk {
			return SegmentResult{}, fmt.Errorf("%w: segment %d: chunk floor %d reached after %d attempts",
				domain.ErrResourceExhausted, seg.Index, e.policy.MinChunk, attempt)
		}
		e.log.Warn().Int("segment", seg.Index).Int("chunk", chunk).Int("next_chunk", next).Int("attempt", attempt).Msg("resource exhaustion, shrinking chunk")
		chunk = next
	}

	return SegmentResult{}, fmt.Errorf("%w: segment %d: attempt budget %d exhausted",
		domain.ErrResourceExhausted, seg.Index, e.policy.MaxAttempts)
}
