package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when an input cannot be parsed as PCM audio.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Format describes interleaved integer PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Canonical is the only format the speech engines are configured for.
var Canonical = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// Upper bounds on what a container may declare. Buffers are sized from the
// header, so anything larger is rejected before allocation.
const (
	MaxSampleRate = 384000
	MaxChannels   = 32
)

// ByteRate returns the number of bytes per second of audio in this format.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels <= 0 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, f.BitDepth)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// ChunkSize returns the read size used when streaming normalized audio into a
// recognizer: one-fifth of a second at the byte rate of the source, before
// resampling. The result is always a positive, even number of bytes.
func ChunkSize(src Format) int {
	n := src.ByteRate() / 5
	n -= n % 2
	if n < 2 {
		n = 2
	}
	return n
}
