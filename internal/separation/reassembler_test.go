package separation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/audio"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// encodeRunner stands in for the ffmpeg encode step. It records the
// concatenated PCM it was given and produces the output file.
type encodeRunner struct {
	mu      sync.Mutex
	args    [][]string
	encoded map[string][]int16 // keyed by output basename
}

func (f *encodeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, append([]string{name}, args...))

	var inPath string
	for i, a := range args {
		if a == "-i" && i+1 < len(args) {
			inPath = args[i+1]
		}
	}
	outPath := args[len(args)-1]

	clip, err := audio.ReadFile(inPath)
	if err != nil {
		return commandResult{Stderr: err.Error(), ExitCode: 1}, err
	}
	if f.encoded == nil {
		f.encoded = make(map[string][]int16)
	}
	f.encoded[filepath.Base(outPath)] = clip.Samples

	if err := os.WriteFile(outPath, []byte("encoded"), 0o644); err != nil {
		return commandResult{}, err
	}
	return commandResult{}, nil
}

func writeStem(t *testing.T, dir, name string, samples ...int16) string {
	t.Helper()
	clip := &audio.Clip{SampleRate: 44100, Channels: 1, Samples: samples}
	path := filepath.Join(dir, name)
	if err := clip.WriteFile(path); err != nil {
		t.Fatalf("write stem %s: %v", name, err)
	}
	return path
}

func TestReassemblePreservesSegmentOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Segments deliberately out of index order.
	segments := []model.Segment{
		{Index: 1, Status: model.SegmentDone, Stems: map[string]string{"vocals": writeStem(t, dir, "s1.wav", 3, 4)}},
		{Index: 0, Status: model.SegmentDone, Stems: map[string]string{"vocals": writeStem(t, dir, "s0.wav", 1, 2)}},
		{Index: 2, Status: model.SegmentDone, Stems: map[string]string{"vocals": writeStem(t, dir, "s2.wav", 5)}},
	}

	runner := &encodeRunner{}
	r := NewReassemblerForTests(Tools{}, OutputSpec{Format: "mp3", Channels: 1, BitrateKbps: 192}, runner, testLogger())

	outDir := filepath.Join(dir, "out")
	artifacts, err := r.Reassemble(context.Background(), segments, nil, outDir)
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}

	path, ok := artifacts["vocals"]
	if !ok || !strings.HasSuffix(path, "vocals.mp3") {
		t.Fatalf("artifacts = %v, want vocals.mp3", artifacts)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	want := []int16{1, 2, 3, 4, 5}
	got := runner.encoded["vocals.mp3"]
	if len(got) != len(want) {
		t.Fatalf("encoded samples = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("sample %d = %d, want %d", i, got[i], w)
		}
	}

	// Temp concat file must be gone.
	if _, err := os.Stat(filepath.Join(outDir, "vocals.concat.wav")); !os.IsNotExist(err) {
		t.Fatalf("concat temp file survived: %v", err)
	}
}

func TestReassembleEncodeArgs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	segments := []model.Segment{
		{Index: 0, Status: model.SegmentDone, Stems: map[string]string{"vocals": writeStem(t, dir, "s0.wav", 1)}},
	}

	runner := &encodeRunner{}
	r := NewReassemblerForTests(Tools{}, OutputSpec{Format: "mp3", Channels: 1, BitrateKbps: 192}, runner, testLogger())
	if _, err := r.Reassemble(context.Background(), segments, []string{"vocals"}, filepath.Join(dir, "out")); err != nil {
		t.Fatalf("reassemble: %v", err)
	}

	joined := strings.Join(runner.args[0], " ")
	for _, want := range []string{"-ac 1", "-b:a 192k"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("encode args %q missing %q", joined, want)
		}
	}
}

func TestReassembleMissingStemArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	segments := []model.Segment{
		{Index: 0, Status: model.SegmentDone, Stems: map[string]string{"vocals": writeStem(t, dir, "s0.wav", 1)}},
		{Index: 1, Status: model.SegmentDone, Stems: map[string]string{}},
	}

	runner := &encodeRunner{}
	r := NewReassemblerForTests(Tools{}, OutputSpec{}, runner, testLogger())
	if _, err := r.Reassemble(context.Background(), segments, []string{"vocals"}, filepath.Join(dir, "out")); !errors.Is(err, domain.ErrReassembly) {
		t.Fatalf("err = %v, want ErrReassembly", err)
	}
}

func TestReassembleNoSegments(t *testing.T) {
	t.Parallel()

	runner := &encodeRunner{}
	r := NewReassemblerForTests(Tools{}, OutputSpec{}, runner, testLogger())
	if _, err := r.Reassemble(context.Background(), nil, nil, t.TempDir()); !errors.Is(err, domain.ErrReassembly) {
		t.Fatalf("err = %v, want ErrReassembly", err)
	}
}
