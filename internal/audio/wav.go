// Package audio implements the minimal PCM WAV handling the engine needs:
// decoding stem artifacts, element-wise ensemble averaging and
// sample-accurate concatenation. Only 16-bit PCM is supported, which is
// what the separation backend emits.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrFormat is returned for files that are not 16-bit PCM WAV.
	ErrFormat = errors.New("unsupported audio format")
	// ErrShapeMismatch is returned when clips that must agree in sample
	// count, rate or channel layout do not.
	ErrShapeMismatch = errors.New("audio shape mismatch")
)

// Clip is decoded 16-bit PCM audio. Samples are interleaved by channel.
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Frames returns the number of sample frames (samples per channel).
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Decode reads a 16-bit PCM WAV stream.
func Decode(r io.Reader) (*Clip, error) {
	var riff struct {
		ID     [4]byte
		Size   uint32
		Format [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrFormat)
	}

	clip := &Clip{}
	sawFmt := false
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 || f.BitsPerSample != 16 {
				return nil, fmt.Errorf("%w: format=%d bits=%d", ErrFormat, f.AudioFormat, f.BitsPerSample)
			}
			clip.SampleRate = int(f.SampleRate)
			clip.Channels = int(f.NumChannels)
			sawFmt = true
			if rest := int64(chunk.Size) - 16; rest > 0 {
				if _, err := io.CopyN(io.Discard, r, rest); err != nil {
					return nil, fmt.Errorf("skip fmt extension: %w", err)
				}
			}
		case "data":
			if !sawFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt", ErrFormat)
			}
			if chunk.Size%2 != 0 {
				return nil, fmt.Errorf("%w: odd data chunk size %d", ErrFormat, chunk.Size)
			}
			clip.Samples = make([]int16, chunk.Size/2)
			if err := binary.Read(r, binary.LittleEndian, &clip.Samples); err != nil {
				return nil, fmt.Errorf("read samples: %w", err)
			}
			return clip, nil
		default:
			// Skip unknown chunks (LIST, fact, ...). Chunks are word
			// aligned.
			skip := int64(chunk.Size)
			if chunk.Size%2 != 0 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("skip chunk %q: %w", chunk.ID[:], err)
			}
		}
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrFormat)
}

// ReadFile decodes one WAV file from disk.
func ReadFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes the clip as a canonical 16-bit PCM WAV stream.
func (c *Clip) Encode(w io.Writer) error {
	dataSize := uint32(len(c.Samples) * 2)
	var hdr struct {
		RiffID        [4]byte
		RiffSize      uint32
		Wave          [4]byte
		FmtID         [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		DataID        [4]byte
		DataSize      uint32
	}
	copy(hdr.RiffID[:], "RIFF")
	hdr.RiffSize = 36 + dataSize
	copy(hdr.Wave[:], "WAVE")
	copy(hdr.FmtID[:], "fmt ")
	hdr.FmtSize = 16
	hdr.AudioFormat = 1
	hdr.NumChannels = uint16(c.Channels)
	hdr.SampleRate = uint32(c.SampleRate)
	hdr.BlockAlign = uint16(c.Channels * 2)
	hdr.ByteRate = uint32(c.SampleRate * c.Channels * 2)
	hdr.BitsPerSample = 16
	copy(hdr.DataID[:], "data")
	hdr.DataSize = dataSize

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, c.Samples); err != nil {
		return fmt.Errorf("write samples: %w", err)
	}
	return nil
}

// WriteFile encodes the clip to a WAV file on disk.
func (c *Clip) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Average combines clips element-wise into one clip. All inputs must
// agree in sample rate, channel count and sample count.
func Average(clips []*Clip) (*Clip, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("%w: no clips", ErrShapeMismatch)
	}
	first := clips[0]
	for i, c := range clips[1:] {
		if c.SampleRate != first.SampleRate || c.Channels != first.Channels || len(c.Samples) != len(first.Samples) {
			return nil, fmt.Errorf("%w: member %d has rate=%d ch=%d samples=%d, want rate=%d ch=%d samples=%d",
				ErrShapeMismatch, i+1, c.SampleRate, c.Channels, len(c.Samples),
				first.SampleRate, first.Channels, len(first.Samples))
		}
	}

	out := &Clip{
		SampleRate: first.SampleRate,
		Channels:   first.Channels,
		Samples:    make([]int16, len(first.Samples)),
	}
	n := int64(len(clips))
	for i := range out.Samples {
		var sum int64
		for _, c := range clips {
			sum += int64(c.Samples[i])
		}
		out.Samples[i] = int16(sum / n)
	}
	return out, nil
}

// Concat appends clips in argument order into one continuous clip. All
// inputs must share sample rate and channel layout; concatenation
// introduces no gaps or overlaps at the joins.
func Concat(clips ...*Clip) (*Clip, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("%w: no clips", ErrShapeMismatch)
	}
	first := clips[0]
	total := 0
	for i, c := range clips {
		if c.SampleRate != first.SampleRate || c.Channels != first.Channels {
			return nil, fmt.Errorf("%w: clip %d has rate=%d ch=%d, want rate=%d ch=%d",
				ErrShapeMismatch, i, c.SampleRate, c.Channels, first.SampleRate, first.Channels)
		}
		total += len(c.Samples)
	}

	out := &Clip{
		SampleRate: first.SampleRate,
		Channels:   first.Channels,
		Samples:    make([]int16, 0, total),
	}
	for _, c := range clips {
		out.Samples = append(out.Samples, c.Samples...)
	}
	return out, nil
}
