package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Source yields interleaved integer samples at a fixed format. ReadSamples
// returns io.EOF once the stream is exhausted.
type Source interface {
	Format() Format
	ReadSamples(dst []int) (int, error)
}

// WAVSource streams PCM samples out of a WAV container on disk.
type WAVSource struct {
	file   *os.File
	dec    *wav.Decoder
	format Format
	buf    *goaudio.IntBuffer
}

// OpenWAV opens path as a PCM WAV container and reads its declared format.
// Anything that is not a RIFF/WAVE file with integer PCM samples yields an
// error wrapping ErrUnsupportedFormat.
func OpenWAV(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		f.Close()
		return nil, fmt.Errorf("%w: wav codec %#x", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if err := format.Validate(); err != nil {
		f.Close()
		return nil, err
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	return &WAVSource{
		file:   f,
		dec:    dec,
		format: format,
		buf:    &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate}},
	}, nil
}

func (s *WAVSource) Format() Format { return s.format }

func (s *WAVSource) ReadSamples(dst []int) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	s.buf.Data = dst
	n, err := s.dec.PCMBuffer(s.buf)
	if n < 0 {
		// the decoder reports -1 when the data chunk is shorter than one sample
		n = 0
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode pcm: %w", err)
	}
	if s.format.BitDepth == 8 {
		// 8-bit WAV is unsigned
		for i := 0; i < n; i++ {
			dst[i] -= 128
		}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *WAVSource) Close() error {
	return s.file.Close()
}

// RawSource reads little-endian 16-bit PCM from an io.Reader.
type RawSource struct {
	r      io.Reader
	format Format
	buf    []byte
	odd    []byte
}

// NewRawSource wraps a headerless 16-bit PCM stream. The format's bit depth is
// forced to 16.
func NewRawSource(r io.Reader, f Format) *RawSource {
	f.BitDepth = 16
	return &RawSource{r: r, format: f}
}

func (s *RawSource) Format() Format { return s.format }

func (s *RawSource) ReadSamples(dst []int) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	need := len(dst) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	carried := copy(buf, s.odd)
	s.odd = s.odd[:0]

	n, err := io.ReadAtLeast(s.r, buf[carried:], 1)
	n += carried
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("read raw pcm: %w", err)
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		dst[i] = int(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	if n%2 == 1 {
		s.odd = append(s.odd, buf[n-1])
	}
	if samples == 0 {
		return 0, io.EOF
	}
	return samples, nil
}

// EncodeWAV drains src into w as a 16-bit PCM WAV file at the source's rate
// and channel count.
func EncodeWAV(w io.WriteSeeker, src Source) error {
	format := src.Format()
	if err := format.Validate(); err != nil {
		return err
	}
	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, wavFormatPCM)
	chunk := make([]int, 4096*format.Channels)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: 16,
	}
	for {
		n, err := src.ReadSamples(chunk)
		if n > 0 {
			for i := 0; i < n; i++ {
				chunk[i] = toInt16(chunk[i], format.BitDepth)
			}
			buf.Data = chunk[:n]
			if werr := enc.Write(buf); werr != nil {
				return fmt.Errorf("write wav: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAV creates path and encodes src into it.
func WriteWAV(path string, src Source) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := EncodeWAV(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func toInt16(v, bitDepth int) int {
	switch bitDepth {
	case 8:
		return v << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	}
	return v
}
