package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultQuality mirrors the resampler setting the service has always run
// with. Quality is not exposed to callers of the HTTP API.
const DefaultQuality = 60

const (
	kernelResolution = 256
	readFrames       = 4096
	trimThreshold    = 8192
)

// Normalizer converts arbitrary integer PCM into a fixed target format by
// mixing channels down and resampling with a windowed-sinc filter.
type Normalizer struct {
	quality int
}

func NewNormalizer(quality int) *Normalizer {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &Normalizer{quality: quality}
}

func (n *Normalizer) Quality() int { return n.quality }

// Normalize returns a reader of little-endian 16-bit PCM in the target format.
// The stream ends exactly at the resampled length of the source: output frame
// count is ceil(inputFrames * target.SampleRate / source.SampleRate).
func (n *Normalizer) Normalize(src Source, target Format) (*Stream, error) {
	in := src.Format()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if target.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid target sample rate %d", target.SampleRate)
	}
	if target.Channels != 1 {
		return nil, fmt.Errorf("target must be mono, got %d channels", target.Channels)
	}
	if target.BitDepth != 16 {
		return nil, fmt.Errorf("target must be 16-bit, got %d", target.BitDepth)
	}

	s := &Stream{
		src:      src,
		in:       in,
		out:      target,
		step:     float64(in.SampleRate) / float64(target.SampleRate),
		identity: in.SampleRate == target.SampleRate && in.Channels == 1,
		scratch:  make([]int, readFrames*in.Channels),
		scale:    math.Ldexp(1, 16-in.BitDepth),
	}
	if !s.identity {
		s.buildKernel(n.quality)
	}
	return s, nil
}

// Stream is the canonical PCM produced by a Normalizer.
type Stream struct {
	src      Source
	in       Format
	out      Format
	step     float64
	identity bool
	scale    float64

	cutoff float64
	radius int
	kernel []float64

	hist     []float64
	base     int64
	carry    []int
	scratch  []int
	eof      bool
	inFrames int64
	produced int64
	pending  []byte
}

// Format reports the output format.
func (s *Stream) Format() Format { return s.out }

// SourceFormat reports the declared format of the underlying source.
func (s *Stream) SourceFormat() Format { return s.in }

// InputFrames is the number of source frames consumed so far.
func (s *Stream) InputFrames() int64 { return s.inFrames }

// OutputFrames is the number of canonical frames emitted so far.
func (s *Stream) OutputFrames() int64 { return s.produced }

func (s *Stream) Read(p []byte) (int, error) {
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	var b [2]byte
	for n < len(p) {
		v, ok, err := s.next()
		if err != nil {
			return n, err
		}
		if !ok {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		c := copy(p[n:], b[:])
		n += c
		if c < 2 {
			s.pending = append(s.pending[:0], b[c:]...)
		}
	}
	return n, nil
}

// buildKernel tabulates a Blackman-windowed sinc low-pass filter. The number
// of zero crossings on each side grows with quality; the cutoff follows the
// lower of the two rates to suppress aliasing when downsampling.
func (s *Stream) buildKernel(quality int) {
	zeroCrossings := 2 + quality*30/100
	s.cutoff = math.Min(1, 1/s.step)
	width := float64(zeroCrossings) / s.cutoff
	s.radius = int(math.Ceil(width))
	s.kernel = make([]float64, int(width*kernelResolution)+2)
	for i := range s.kernel {
		d := float64(i) / kernelResolution
		if d > width {
			break
		}
		s.kernel[i] = s.cutoff * sinc(s.cutoff*d) * blackman(d/width)
	}
}

func (s *Stream) weight(d float64) float64 {
	pos := math.Abs(d) * kernelResolution
	i := int(pos)
	if i+1 >= len(s.kernel) {
		return 0
	}
	frac := pos - float64(i)
	return s.kernel[i]*(1-frac) + s.kernel[i+1]*frac
}

func (s *Stream) next() (int16, bool, error) {
	t := float64(s.produced) * s.step
	center := int64(math.Floor(t))
	lookahead := center + int64(s.radius)

	for !s.eof && s.base+int64(len(s.hist)) <= lookahead {
		if err := s.fill(); err != nil {
			return 0, false, err
		}
	}
	if s.eof && s.produced >= s.totalOut() {
		return 0, false, nil
	}

	var v float64
	if s.identity {
		v = s.hist[center-s.base]
	} else {
		var acc, wsum float64
		for j := center - int64(s.radius) + 1; j <= lookahead; j++ {
			w := s.weight(t - float64(j))
			wsum += w
			idx := j - s.base
			if j >= 0 && idx >= 0 && idx < int64(len(s.hist)) {
				acc += s.hist[idx] * w
			}
		}
		if wsum != 0 {
			acc /= wsum
		}
		v = acc
	}

	s.produced++
	s.trim(center - int64(s.radius))
	return clamp16(v), true, nil
}

func (s *Stream) totalOut() int64 {
	outRate := int64(s.out.SampleRate)
	inRate := int64(s.in.SampleRate)
	return (s.inFrames*outRate + inRate - 1) / inRate
}

func (s *Stream) fill() error {
	n, err := s.src.ReadSamples(s.scratch)
	if n > 0 {
		s.ingest(s.scratch[:n])
	}
	if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
		s.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	return nil
}

func (s *Stream) ingest(samples []int) {
	data := samples
	if len(s.carry) > 0 {
		data = append(s.carry, samples...)
	}
	ch := s.in.Channels
	frames := len(data) / ch
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < ch; c++ {
			v := data[f*ch+c]
			sum += float64(v) * s.scale
		}
		s.hist = append(s.hist, sum/float64(ch))
	}
	s.carry = append(s.carry[:0], data[frames*ch:]...)
	s.inFrames += int64(frames)
}

func (s *Stream) trim(before int64) {
	drop := before - s.base
	if drop < trimThreshold {
		return
	}
	if drop > int64(len(s.hist)) {
		drop = int64(len(s.hist))
	}
	n := copy(s.hist, s.hist[drop:])
	s.hist = s.hist[:n]
	s.base += drop
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackman(u float64) float64 {
	if u > 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*u) + 0.08*math.Cos(2*math.Pi*u)
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
