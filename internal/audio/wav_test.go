package audio

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func makeClip(rate, channels int, samples ...int16) *Clip {
	return &Clip{SampleRate: rate, Channels: channels, Samples: samples}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	in := makeClip(44100, 2, 0, 100, -100, 32767, -32768, 7)
	var buf bytes.Buffer
	if err := in.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != in.SampleRate || out.Channels != in.Channels {
		t.Fatalf("format = %d/%d, want %d/%d", out.SampleRate, out.Channels, in.SampleRate, in.Channels)
	}
	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("samples = %d, want %d", len(out.Samples), len(in.Samples))
	}
	for i := range in.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, out.Samples[i], in.Samples[i])
		}
	}
}

func TestDecodeRejectsNonWav(t *testing.T) {
	t.Parallel()

	_, err := Decode(bytes.NewReader([]byte("ID3\x04junk that is not riff data")))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestReadWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.wav")
	in := makeClip(16000, 1, 1, 2, 3, 4)
	if err := in.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Frames() != 4 {
		t.Fatalf("frames = %d, want 4", out.Frames())
	}
}

func TestAverage(t *testing.T) {
	t.Parallel()

	a := makeClip(44100, 1, 10, 20, -30)
	b := makeClip(44100, 1, 30, 0, -10)
	out, err := Average([]*Clip{a, b})
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	want := []int16{20, 10, -20}
	for i, w := range want {
		if out.Samples[i] != w {
			t.Fatalf("sample %d = %d, want %d", i, out.Samples[i], w)
		}
	}
}

func TestAverageShapeMismatch(t *testing.T) {
	t.Parallel()

	a := makeClip(44100, 1, 10, 20)
	b := makeClip(44100, 1, 10, 20, 30)
	if _, err := Average([]*Clip{a, b}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}

	c := makeClip(48000, 1, 10, 20)
	if _, err := Average([]*Clip{a, c}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("rate mismatch err = %v, want ErrShapeMismatch", err)
	}
}

func TestConcatPreservesOrder(t *testing.T) {
	t.Parallel()

	parts := []*Clip{
		makeClip(44100, 1, 1, 2),
		makeClip(44100, 1, 3, 4),
		makeClip(44100, 1, 5),
	}
	out, err := Concat(parts...)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	want := []int16{1, 2, 3, 4, 5}
	if len(out.Samples) != len(want) {
		t.Fatalf("samples = %d, want %d", len(out.Samples), len(want))
	}
	for i, w := range want {
		if out.Samples[i] != w {
			t.Fatalf("sample %d = %d, want %d", i, out.Samples[i], w)
		}
	}
}

func TestConcatChannelMismatch(t *testing.T) {
	t.Parallel()

	if _, err := Concat(makeClip(44100, 1, 1), makeClip(44100, 2, 1, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}
