package separation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/audio"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
)

// ModelVariant describes one ensemble member.
type ModelVariant struct {
	Name           string
	CheckpointPath string
	MemoryMB       int64
}

// ModelHandle is a loaded separation model.
type ModelHandle interface {
	// Separate runs the model against one segment and returns a map of
	// stem name to artifact path under outDir.
	Separate(ctx context.Context, segmentPath, outDir string, chunkSize int) (map[string]string, error)
	Release() error
}

// Backend loads model variants. The neural network itself is opaque to
// the engine; the production backend shells out to the demucs CLI.
type Backend interface {
	Load(ctx context.Context, v ModelVariant) (ModelHandle, error)
}

// ModelPool exposes the uniform separate capability over the configured
// ensemble. Two strategies exist: resident keeps every member loaded for
// the pool's lifetime, sequential loads each member just before use and
// releases it after, trading latency for a lower peak-memory floor.
type ModelPool interface {
	Separate(ctx context.Context, segmentPath, outDir string, chunkSize int) (map[string]string, error)
	Strategy() string
	Ready() bool
	Close() error
}

const (
	StrategyAuto       = "auto"
	StrategyResident   = "resident"
	StrategySequential = "sequential"
)

// NewModelPool selects and constructs the pool strategy. Selection is a
// static decision made once per process: resident when the whole ensemble
// fits the accelerator budget, sequential otherwise. This is the explicit
// startup phase the registry depends on; loading never happens lazily.
func NewModelPool(ctx context.Context, backend Backend, variants []ModelVariant, budgetMB int64, strategy string, logger *zerolog.Logger) (ModelPool, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: empty ensemble", domain.ErrInvalidArgument)
	}

	var totalMB int64
	for _, v := range variants {
		totalMB += v.MemoryMB
	}

	switch strategy {
	case "", StrategyAuto:
		if totalMB <= budgetMB {
			strategy = StrategyResident
		} else {
			strategy = StrategySequential
		}
	case StrategyResident, StrategySequential:
	default:
		return nil, fmt.Errorf("%w: unknown pool strategy %q", domain.ErrInvalidArgument, strategy)
	}

	poolLog := logger.With().Str("component", "model_pool").Str("strategy", strategy).Logger()
	poolLog.Info().Int64("ensemble_mb", totalMB).Int64("budget_mb", budgetMB).Int("members", len(variants)).Msg("selecting model pool strategy")

	if strategy == StrategyResident {
		return newResidentPool(ctx, backend, variants, &poolLog)
	}
	return newSequentialPool(ctx, backend, variants, &poolLog)
}

// residentPool loads all members once and reuses them. It holds the full
// memory budget, so only one separate call may run at a time.
type residentPool struct {
	handles   []ModelHandle
	gate      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
	log       *zerolog.Logger
}

func newResidentPool(ctx context.Context, backend Backend, variants []ModelVariant, logger *zerolog.Logger) (*residentPool, error) {
	handles := make([]ModelHandle, 0, len(variants))
	for _, v := range variants {
		h, err := backend.Load(ctx, v)
		if err != nil {
			for _, loaded := range handles {
				_ = loaded.Release()
			}
			return nil, fmt.Errorf("load model %s: %w", v.Name, err)
		}
		logger.Info().Str("model", v.Name).Msg("model resident")
		handles = append(handles, h)
	}

	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	return &residentPool{handles: handles, gate: gate, log: logger}, nil
}

func (p *residentPool) Separate(ctx context.Context, segmentPath, outDir string, chunkSize int) (map[string]string, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.gate <- struct{}{} }()

	outputs := make([]map[string]string, 0, len(p.handles))
	for i, h := range p.handles {
		stems, err := h.Separate(ctx, segmentPath, filepath.Join(outDir, fmt.Sprintf("member-%d", i)), chunkSize)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, stems)
	}
	return combineStems(outputs, outDir)
}

func (p *residentPool) Strategy() string { return StrategyResident }

func (p *residentPool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && len(p.handles) > 0
}

func (p *residentPool) Close() error {
	var firstErr error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		for _, h := range p.handles {
			if err := h.Release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// sequentialPool keeps nothing resident; each member is loaded just
// before use and released right after, so concurrent calls are allowed.
type sequentialPool struct {
	backend  Backend
	variants []ModelVariant
	mu       sync.RWMutex
	closed   bool
	log      *zerolog.Logger
}

func newSequentialPool(ctx context.Context, backend Backend, variants []ModelVariant, logger *zerolog.Logger) (*sequentialPool, error) {
	// Probe every checkpoint up front so readiness is known at startup.
	for _, v := range variants {
		h, err := backend.Load(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("probe model %s: %w", v.Name, err)
		}
		if err := h.Release(); err != nil {
			return nil, fmt.Errorf("release model %s after probe: %w", v.Name, err)
		}
	}
	return &sequentialPool{backend: backend, variants: variants, log: logger}, nil
}

func (p *sequentialPool) Separate(ctx context.Context, segmentPath, outDir string, chunkSize int) (map[string]string, error) {
	outputs := make([]map[string]string, 0, len(p.variants))
	for i, v := range p.variants {
		stems, err := p.separateWith(ctx, v, segmentPath, filepath.Join(outDir, fmt.Sprintf("member-%d", i)), chunkSize)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, stems)
	}
	return combineStems(outputs, outDir)
}

func (p *sequentialPool) separateWith(ctx context.Context, v ModelVariant, segmentPath, outDir string, chunkSize int) (map[string]string, error) {
	h, err := p.backend.Load(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrInference, v.Name, err)
	}
	defer func() {
		if relErr := h.Release(); relErr != nil {
			p.log.Warn().Err(relErr).Str("model", v.Name).Msg("model release failed")
		}
	}()
	return h.Separate(ctx, segmentPath, outDir, chunkSize)
}

func (p *sequentialPool) Strategy() string { return StrategySequential }

func (p *sequentialPool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

func (p *sequentialPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// combineStems averages member stem estimates element-wise into final
// per-stem artifacts under outDir. Members must agree on the stem set and
// on sample counts.
func combineStems(outputs []map[string]string, outDir string) (map[string]string, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no member outputs", domain.ErrInference)
	}

	names := make([]string, 0, len(outputs[0]))
	for name := range outputs[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %v", domain.ErrInference, err)
	}

	combined := make(map[string]string, len(names))
	for _, name := range names {
		clips := make([]*audio.Clip, 0, len(outputs))
		for i, member := range outputs {
			path, ok := member[name]
			if !ok {
				return nil, fmt.Errorf("%w: member %d produced no %q stem", domain.ErrEnsembleShapeMismatch, i, name)
			}
			clip, err := audio.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: read member %d stem %q: %v", domain.ErrInference, i, name, err)
			}
			clips = append(clips, clip)
		}

		avg, err := audio.Average(clips)
		if err != nil {
			if errors.Is(err, audio.ErrShapeMismatch) {
				return nil, fmt.Errorf("%w: stem %q: %v", domain.ErrEnsembleShapeMismatch, name, err)
			}
			return nil, fmt.Errorf("%w: combine stem %q: %v", domain.ErrInference, name, err)
		}

		outPath := filepath.Join(outDir, name+".wav")
		if err := avg.WriteFile(outPath); err != nil {
			return nil, fmt.Errorf("%w: write stem %q: %v", domain.ErrInference, name, err)
		}
		combined[name] = outPath
	}
	return combined, nil
}
