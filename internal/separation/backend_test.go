package separation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/audio"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
)

// demucsRunner scripts one demucs invocation: optional stderr + error,
// otherwise it drops stem wavs into the --output directory.
type demucsRunner struct {
	stderr string
	err    error
	stems  []string
}

func (f *demucsRunner) Run(_ context.Context, _ string, args ...string) (commandResult, error) {
	if f.err != nil {
		return commandResult{Stderr: f.stderr, ExitCode: 1}, f.err
	}
	var outDir string
	for i, a := range args {
		if a == "--output" && i+1 < len(args) {
			outDir = args[i+1]
		}
	}
	for _, stem := range f.stems {
		clip := &audio.Clip{SampleRate: 44100, Channels: 1, Samples: []int16{1}}
		if err := clip.WriteFile(filepath.Join(outDir, stem+".wav")); err != nil {
			return commandResult{}, err
		}
	}
	return commandResult{}, nil
}

func newTestBackend(t *testing.T, runner commandRunner) (Backend, ModelVariant) {
	t.Helper()
	ckpt := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(ckpt, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	b := NewDemucsBackend(Tools{}, testLogger()).(*demucsBackend)
	b.runner = runner
	return b, ModelVariant{Name: "model", CheckpointPath: ckpt, MemoryMB: 1000}
}

func TestBackendLoadValidatesCheckpoint(t *testing.T) {
	t.Parallel()

	b := NewDemucsBackend(Tools{}, testLogger())
	if _, err := b.Load(context.Background(), ModelVariant{Name: "m", CheckpointPath: "/nonexistent/model.th"}); err == nil {
		t.Fatal("load of missing checkpoint succeeded")
	}
}

func TestBackendSeparateCollectsStems(t *testing.T) {
	t.Parallel()

	b, v := newTestBackend(t, &demucsRunner{stems: []string{"vocals", "instrumental"}})
	h, err := b.Load(context.Background(), v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stems, err := h.Separate(context.Background(), "seg.wav", t.TempDir(), 40)
	if err != nil {
		t.Fatalf("separate: %v", err)
	}
	if len(stems) != 2 {
		t.Fatalf("stems = %v, want vocals and instrumental", stems)
	}
	for _, name := range []string{"vocals", "instrumental"} {
		if _, ok := stems[name]; !ok {
			t.Fatalf("stem %q missing from %v", name, stems)
		}
	}
}

func TestBackendClassifiesResourceExhaustion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		stderr string
		want   error
	}{
		{"cuda oom", "RuntimeError: CUDA OOM while allocating tensor", domain.ErrResourceExhausted},
		{"out of memory", "torch.cuda.OutOfMemoryError: out of memory", domain.ErrResourceExhausted},
		{"cannot allocate", "onnxruntime: cannot allocate memory", domain.ErrResourceExhausted},
		{"plain crash", "segmentation fault", domain.ErrInference},
		{"bad input", "could not open input file", domain.ErrInference},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b, v := newTestBackend(t, &demucsRunner{stderr: tc.stderr, err: errors.New("exit status 1")})
			h, err := b.Load(context.Background(), v)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			_, err = h.Separate(context.Background(), "seg.wav", t.TempDir(), 40)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBackendNoStemsIsInferenceFailure(t *testing.T) {
	t.Parallel()

	b, v := newTestBackend(t, &demucsRunner{})
	h, err := b.Load(context.Background(), v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := h.Separate(context.Background(), "seg.wav", t.TempDir(), 40); !errors.Is(err, domain.ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
}
