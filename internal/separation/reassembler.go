package separation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/audio"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// OutputSpec is the target container for final artifacts.
type OutputSpec struct {
	// Format is the container/codec extension, e.g. "mp3".
	Format string
	// Channels is the target channel layout (1 = mono downmix).
	Channels int
	// BitrateKbps applies to lossy formats.
	BitrateKbps int
}

func (o OutputSpec) withDefaults() OutputSpec {
	if o.Format == "" {
		o.Format = "mp3"
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	if o.BitrateKbps <= 0 {
		o.BitrateKbps = 192
	}
	return o
}

// Reassembler concatenates per-segment stem artifacts in index order into
// one continuous track per stem and encodes it to the target container.
type Reassembler struct {
	tools  Tools
	spec   OutputSpec
	runner commandRunner
	log    *zerolog.Logger
}

func NewReassembler(tools Tools, spec OutputSpec, logger *zerolog.Logger) *Reassembler {
	rLog := logger.With().Str("component", "reassembler").Logger()
	return &Reassembler{tools: tools.withDefaults(), spec: spec.withDefaults(), runner: &execRunner{}, log: &rLog}
}

// Reassemble builds one output artifact per selected stem under outDir.
// A nil or empty stem selection means every stem the segments carry. It
// must be invoked only after every segment is done; a missing artifact or
// an incompatible sample rate/channel count fails with a reassembly
// error.
func (r *Reassembler) Reassemble(ctx context.Context, segments []model.Segment, stems []string, outDir string) (map[string]string, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", domain.ErrReassembly)
	}

	ordered := make([]model.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	if len(stems) == 0 {
		for name := range ordered[0].Stems {
			stems = append(stems, name)
		}
		sort.Strings(stems)
	}
	if len(stems) == 0 {
		return nil, fmt.Errorf("%w: segments carry no stem artifacts", domain.ErrReassembly)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %v", domain.ErrReassembly, err)
	}

	artifacts := make(map[string]string, len(stems))
	for _, stem := range stems {
		path, err := r.reassembleStem(ctx, ordered, stem, outDir)
		if err != nil {
			return nil, err
		}
		artifacts[stem] = path
	}
	return artifacts, nil
}

func (r *Reassembler) reassembleStem(ctx context.Context, ordered []model.Segment, stem, outDir string) (string, error) {
	clips := make([]*audio.Clip, 0, len(ordered))
	for _, seg := range ordered {
		path, ok := seg.Stems[stem]
		if !ok {
			return "", fmt.Errorf("%w: segment %d has no %q artifact", domain.ErrReassembly, seg.Index, stem)
		}
		clip, err := audio.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: segment %d stem %q: %v", domain.ErrReassembly, seg.Index, stem, err)
		}
		clips = append(clips, clip)
	}

	track, err := audio.Concat(clips...)
	if err != nil {
		if errors.Is(err, audio.ErrShapeMismatch) {
			return "", fmt.Errorf("%w: stem %q: %v", domain.ErrReassembly, stem, err)
		}
		return "", fmt.Errorf("%w: concat stem %q: %v", domain.ErrReassembly, stem, err)
	}

	wavPath := filepath.Join(outDir, stem+".concat.wav")
	if err := track.WriteFile(wavPath); err != nil {
		return "", fmt.Errorf("%w: write stem %q: %v", domain.ErrReassembly, stem, err)
	}
	defer os.Remove(wavPath)

	outPath := filepath.Join(outDir, stem+"."+r.spec.Format)
	if err := r.encode(ctx, wavPath, outPath); err != nil {
		return "", err
	}

	r.log.Debug().Str("stem", stem).Str("path", outPath).Int("frames", track.Frames()).Msg("stem reassembled")
	return outPath, nil
}

// encode downmixes to the target channel layout and encodes the final
// container via ffmpeg.
func (r *Reassembler) encode(ctx context.Context, inPath, outPath string) error {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inPath,
		"-ac", strconv.Itoa(r.spec.Channels),
	}
	if r.spec.Format == "mp3" {
		args = append(args, "-b:a", fmt.Sprintf("%dk", r.spec.BitrateKbps))
	}
	args = append(args, outPath)

	res, err := r.runner.Run(ctx, r.tools.FFmpeg, args...)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %s", domain.ErrReassembly, filepath.Base(outPath), strings.TrimSpace(res.Stderr))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("%w: encode completed but %s is missing", domain.ErrReassembly, filepath.Base(outPath))
	}
	return nil
}

// NewReassemblerForTests constructs a reassembler with an injected runner.
func NewReassemblerForTests(tools Tools, spec OutputSpec, runner commandRunner, logger *zerolog.Logger) *Reassembler {
	r := NewReassembler(tools, spec, logger)
	r.runner = runner
	return r
}
