package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/logging"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/metrics"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/separation"
)

// PipelineConfig tunes per-job behavior.
type PipelineConfig struct {
	// MaxSegmentSeconds bounds segment length when the caller provides no
	// explicit cut points. Zero or negative means whole-file.
	MaxSegmentSeconds float64
	// DefaultStems is the stem selection used when the caller requests
	// neither specific stems nor all of them.
	DefaultStems []string
}

// Segmenter is the slicing capability the pipeline needs.
type Segmenter interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	Extract(ctx context.Context, source, dir string, ranges []model.Range) ([]model.Segment, error)
}

// SegmentExecutor runs inference over a job's segments.
type SegmentExecutor interface {
	Run(ctx context.Context, segments []model.Segment, workDir string, hooks separation.Hooks) error
}

// Reassembler builds the final per-stem artifacts.
type Reassembler interface {
	Reassemble(ctx context.Context, segments []model.Segment, stems []string, outDir string) (map[string]string, error)
}

// Pipeline executes one job end to end: models precondition, cutting,
// inference, conversion. It is the only writer of its job's state.
type Pipeline struct {
	segmenter   Segmenter
	pool        separation.ModelPool
	executor    SegmentExecutor
	reassembler Reassembler
	httpClient  *http.Client
	cfg         PipelineConfig
	log         *zerolog.Logger
}

func NewPipeline(
	segmenter Segmenter,
	pool separation.ModelPool,
	executor SegmentExecutor,
	reassembler Reassembler,
	cfg PipelineConfig,
	logger *zerolog.Logger,
) *Pipeline {
	pipeLog := logger.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		segmenter:   segmenter,
		pool:        pool,
		executor:    executor,
		reassembler: reassembler,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		cfg:         cfg,
		log:         &pipeLog,
	}
}

// Run drives the job to a terminal state. It never returns an error: any
// failure lands in the job's error detail, and the metrics and logs carry
// the rest.
func (p *Pipeline) Run(ctx context.Context, job *Job) {
	start := time.Now()
	ctx = logging.WithJobID(ctx, job.ID())
	log := *logging.With(ctx, p.log)

	if err := job.Start(); err != nil {
		log.Error().Err(err).Msg("job start rejected")
		return
	}
	metrics.SetJobsActive(1)
	defer metrics.SetJobsActive(-1)

	// One-time precondition: the model pool must have been initialized
	// during the startup phase.
	p.must(job.StartTask(model.TaskModels))
	if !p.pool.Ready() {
		job.Fail(model.TaskModels, domain.ErrModelsNotReady)
		p.finish(job, log, start)
		return
	}
	p.must(job.FinishTask(model.TaskModels, model.TaskDone))

	segments, noCutting, err := p.cut(ctx, job)
	if err != nil {
		job.Fail(model.TaskCutting, err)
		p.finish(job, log, start)
		return
	}
	if noCutting {
		p.must(job.FinishTask(model.TaskCutting, model.TaskNoWork))
	} else {
		p.must(job.FinishTask(model.TaskCutting, model.TaskDone))
	}

	if err := p.infer(ctx, job, segments); err != nil {
		job.Fail(model.TaskInference, err)
		p.finish(job, log, start)
		return
	}
	p.must(job.FinishTask(model.TaskInference, model.TaskDone))

	artifacts, err := p.convert(ctx, job)
	if err != nil {
		job.Fail(model.TaskConversion, err)
		p.finish(job, log, start)
		return
	}
	p.must(job.FinishTask(model.TaskConversion, model.TaskDone))
	p.must(job.Complete(artifacts))
	p.finish(job, log, start)
}

// cut fetches the source if needed, plans the segment ranges and
// materializes them. It reports noCutting when the whole file maps to a
// single segment and no slicing work was done.
func (p *Pipeline) cut(ctx context.Context, job *Job) (segments []model.Segment, noCutting bool, err error) {
	p.must(job.StartTask(model.TaskCutting))

	localPath, err := p.resolveSource(ctx, job)
	if err != nil {
		return nil, false, err
	}

	duration, err := p.segmenter.ProbeDuration(ctx, localPath)
	if err != nil {
		return nil, false, err
	}

	ranges, err := separation.PlanSegments(duration, job.Options().CutPoints, p.cfg.MaxSegmentSeconds)
	if err != nil {
		return nil, false, err
	}

	if len(ranges) == 1 && len(job.Options().CutPoints) == 0 {
		segments = []model.Segment{{
			Index:      0,
			Range:      ranges[0],
			SourcePath: localPath,
			Status:     model.SegmentPending,
		}}
		noCutting = true
	} else {
		segments, err = p.segmenter.Extract(ctx, localPath, filepath.Join(job.WorkDir(), "segments"), ranges)
		if err != nil {
			return nil, false, err
		}
	}

	if err := job.SetSegments(segments); err != nil {
		return nil, false, err
	}
	return segments, noCutting, nil
}

func (p *Pipeline) infer(ctx context.Context, job *Job, segments []model.Segment) error {
	p.must(job.StartTask(model.TaskInference))

	hooks := separation.Hooks{
		OnSegmentStart: func(index int) {
			job.SegmentStarted(index)
		},
		OnSegmentDone: func(res separation.SegmentResult) {
			metrics.ObserveSegment(res.Attempts, res.ChunkSize, res.Elapsed.Seconds())
			if err := job.SegmentDone(res.Index, res.ChunkSize, res.Stems); err != nil {
				p.log.Error().Err(err).Str("job_id", job.ID()).Int("segment", res.Index).Msg("segment completion rejected")
			}
		},
	}
	return p.executor.Run(ctx, segments, filepath.Join(job.WorkDir(), "stems"), hooks)
}

func (p *Pipeline) convert(ctx context.Context, job *Job) (map[string]string, error) {
	p.must(job.StartTask(model.TaskConversion))

	opts := job.Options()
	var stems []string
	switch {
	case opts.AllStems:
		stems = nil // every stem the segments carry
	case len(opts.Stems) > 0:
		stems = opts.Stems
	default:
		stems = p.cfg.DefaultStems
	}

	return p.reassembler.Reassemble(ctx, job.Segments(), stems, filepath.Join(job.WorkDir(), "out"))
}

// resolveSource returns a local path for the job input, downloading
// http(s) sources into the job workspace first.
func (p *Pipeline) resolveSource(ctx context.Context, job *Job) (string, error) {
	source := job.Source()
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		if _, statErr := os.Stat(source); statErr != nil {
			return "", fmt.Errorf("%w: source %s: %v", domain.ErrSegmentExtraction, source, statErr)
		}
		return source, nil
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "input"
	}
	dest := filepath.Join(job.WorkDir(), "input-"+name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("%w: fetch source: %v", domain.ErrSegmentExtraction, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch source: %v", domain.ErrSegmentExtraction, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch source: unexpected status %s", domain.ErrSegmentExtraction, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("%w: save source: %v", domain.ErrSegmentExtraction, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("%w: save source: %v", domain.ErrSegmentExtraction, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: save source: %v", domain.ErrSegmentExtraction, err)
	}

	logging.With(ctx, p.log).Debug().Str("dest", dest).Msg("source fetched")
	return dest, nil
}

func (p *Pipeline) finish(job *Job, log zerolog.Logger, start time.Time) {
	snap := job.Snapshot()
	metrics.IncJob(string(snap.State))
	evt := log.Info()
	if snap.State == model.StateError {
		evt = log.Error()
	}
	msg := evt.Str("state", string(snap.State)).Dur("duration", time.Since(start))
	if snap.Error != nil {
		msg = msg.Str("failed_task", string(snap.Error.Task)).Str("kind", snap.Error.Kind)
	}
	msg.Msg("job finished")
}

// must flags transitions that can only fail on programmer error.
func (p *Pipeline) must(err error) {
	if err != nil {
		p.log.Error().Err(err).Msg("unexpected state transition failure")
	}
}
