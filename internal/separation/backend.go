package separation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
)

// demucsBackend runs the demucs CLI once per ensemble member. Loading a
// model only validates its checkpoint; the CLI maps the weights into
// accelerator memory per invocation, so release is a no-op and the
// resident/sequential distinction governs scheduling, not process state.
type demucsBackend struct {
	tools  Tools
	runner commandRunner
	log    *zerolog.Logger
}

// NewDemucsBackend constructs the production CLI backend.
func NewDemucsBackend(tools Tools, logger *zerolog.Logger) Backend {
	beLog := logger.With().Str("component", "demucs_backend").Logger()
	return &demucsBackend{tools: tools.withDefaults(), runner: &execRunner{}, log: &beLog}
}

func (b *demucsBackend) Load(_ context.Context, v ModelVariant) (ModelHandle, error) {
	info, err := os.Stat(v.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", v.CheckpointPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("checkpoint %s is a directory", v.CheckpointPath)
	}
	return &demucsHandle{backend: b, variant: v}, nil
}

type demucsHandle struct {
	backend *demucsBackend
	variant ModelVariant
}

func (h *demucsHandle) Separate(ctx context.Context, segmentPath, outDir string, chunkSize int) (map[string]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create member dir: %v", domain.ErrInference, err)
	}

	b := h.backend
	args := []string{
		"--model", h.variant.CheckpointPath,
		"--input", segmentPath,
		"--output", outDir,
		"--segment", strconv.Itoa(chunkSize),
	}
	res, err := b.runner.Run(ctx, b.tools.Demucs, args...)
	if err != nil {
		if isResourceExhausted(res.Stderr) || isResourceExhausted(res.Stdout) {
			return nil, fmt.Errorf("%w: model %s chunk=%d: %s",
				domain.ErrResourceExhausted, h.variant.Name, chunkSize, lastLine(res.Stderr))
		}
		return nil, fmt.Errorf("%w: model %s exit=%d: %s",
			domain.ErrInference, h.variant.Name, res.ExitCode, lastLine(res.Stderr))
	}

	stems, err := collectStems(outDir)
	if err != nil {
		return nil, err
	}
	if len(stems) == 0 {
		return nil, fmt.Errorf("%w: model %s produced no stems", domain.ErrInference, h.variant.Name)
	}
	return stems, nil
}

func (h *demucsHandle) Release() error { return nil }

// collectStems maps every top-level wav in dir to its stem name.
func collectStems(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read output dir: %v", domain.ErrInference, err)
	}
	stems := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".wav")
		stems[name] = filepath.Join(dir, e.Name())
	}
	return stems, nil
}

// isResourceExhausted classifies the out-of-memory failure class that the
// adaptive chunk-size retry is allowed to recover from.
func isResourceExhausted(output string) bool {
	s := strings.ToLower(output)
	for _, marker := range []string{
		"out of memory",
		"cuda oom",
		"cannot allocate memory",
		"resource_exhausted",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
