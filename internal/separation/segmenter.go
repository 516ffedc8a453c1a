package separation

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// PlanSegments produces an ordered, contiguous, non-overlapping sequence
// of [start,end) ranges covering [0,duration). With explicit cut points,
// N points produce N+1 segments: an implicit first segment from 0 to the
// first point and an implicit final segment from the last point to
// duration. Without cut points the duration is split into maxLen-sized
// pieces; maxLen <= 0 yields a single whole-file segment.
func PlanSegments(duration float64, cutPoints []float64, maxLen float64) ([]model.Range, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration %.3f must be positive", domain.ErrInvalidArgument, duration)
	}

	if len(cutPoints) > 0 {
		prev := 0.0
		for i, p := range cutPoints {
			if p <= 0 {
				return nil, fmt.Errorf("%w: point %d (%.3f) must be positive", domain.ErrInvalidCutPoints, i, p)
			}
			if p >= duration {
				return nil, fmt.Errorf("%w: point %d (%.3f) must be below duration %.3f", domain.ErrInvalidCutPoints, i, p, duration)
			}
			if p <= prev && i > 0 {
				return nil, fmt.Errorf("%w: points must be strictly increasing, got %.3f after %.3f", domain.ErrInvalidCutPoints, p, prev)
			}
			prev = p
		}

		ranges := make([]model.Range, 0, len(cutPoints)+1)
		start := 0.0
		for _, p := range cutPoints {
			ranges = append(ranges, model.Range{Start: start, End: p})
			start = p
		}
		ranges = append(ranges, model.Range{Start: start, End: duration})
		return ranges, nil
	}

	if maxLen <= 0 || maxLen >= duration {
		return []model.Range{{Start: 0, End: duration}}, nil
	}

	n := int(math.Ceil(duration / maxLen))
	ranges := make([]model.Range, 0, n)
	for start := 0.0; start < duration; start += maxLen {
		end := start + maxLen
		if end > duration {
			end = duration
		}
		ranges = append(ranges, model.Range{Start: start, End: end})
	}
	return ranges, nil
}

// Segmenter materializes planned ranges as media slices on disk and
// probes source durations, both via ffmpeg tooling.
type Segmenter struct {
	tools  Tools
	runner commandRunner
	log    *zerolog.Logger
}

func NewSegmenter(tools Tools, logger *zerolog.Logger) *Segmenter {
	segLog := logger.With().Str("component", "segmenter").Logger()
	return &Segmenter{tools: tools.withDefaults(), runner: &execRunner{}, log: &segLog}
}

// ProbeDuration returns the source duration in seconds.
func (s *Segmenter) ProbeDuration(ctx context.Context, path string) (float64, error) {
	res, err := s.runner.Run(ctx, s.tools.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: probe %s: %s", domain.ErrSegmentExtraction, path, strings.TrimSpace(res.Stderr))
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: probe %s: unparseable duration %q", domain.ErrSegmentExtraction, path, res.Stdout)
	}
	return d, nil
}

// Extract writes one PCM slice per range under dir and returns the
// ordered segment list. Extraction is all-or-nothing: any failure removes
// the slices written so far, partial segment sets are never used.
func (s *Segmenter) Extract(ctx context.Context, source, dir string, ranges []model.Range) ([]model.Segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create segment dir: %v", domain.ErrSegmentExtraction, err)
	}

	segments := make([]model.Segment, 0, len(ranges))
	for i, rng := range ranges {
		outPath := filepath.Join(dir, fmt.Sprintf("segment-%03d.wav", i))
		args := []string{
			"-hide_banner",
			"-nostdin",
			"-y",
			"-ss", formatSeconds(rng.Start),
			"-t", formatSeconds(rng.Duration()),
			"-i", source,
			"-vn",
			"-c:a", "pcm_s16le",
			outPath,
		}
		res, err := s.runner.Run(ctx, s.tools.FFmpeg, args...)
		if err != nil {
			s.cleanup(segments)
			return nil, fmt.Errorf("%w: slice %d [%.3f,%.3f): %s",
				domain.ErrSegmentExtraction, i, rng.Start, rng.End, strings.TrimSpace(res.Stderr))
		}
		if _, err := os.Stat(outPath); err != nil {
			s.cleanup(segments)
			return nil, fmt.Errorf("%w: slice %d completed but output is missing", domain.ErrSegmentExtraction, i)
		}

		segments = append(segments, model.Segment{
			Index:      i,
			Range:      rng,
			SourcePath: outPath,
			Status:     model.SegmentPending,
		})
	}

	s.log.Debug().Int("segments", len(segments)).Str("dir", dir).Msg("segments extracted")
	return segments, nil
}

func (s *Segmenter) cleanup(segments []model.Segment) {
	for _, seg := range segments {
		_ = os.Remove(seg.SourcePath)
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// NewSegmenterForTests constructs a segmenter with an injected runner.
func NewSegmenterForTests(tools Tools, runner commandRunner, logger *zerolog.Logger) *Segmenter {
	s := NewSegmenter(tools, logger)
	s.runner = runner
	return s
}
