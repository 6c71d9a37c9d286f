package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ErrConversionFailed marks any failure to turn a foreign container into
// canonical WAV.
var ErrConversionFailed = errors.New("audio conversion failed")

const stderrTail = 512

// Transcoder decodes an arbitrary audio container into a 16-bit PCM WAV file.
type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string, target audio.Format) error
}

// FFmpeg shells out to an ffmpeg-compatible binary.
type FFmpeg struct {
	cmd []string
}

func NewFFmpeg(command string) (*FFmpeg, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcoder command is empty")
	}
	return &FFmpeg{cmd: args}, nil
}

func (f *FFmpeg) Transcode(ctx context.Context, inPath, outPath string, target audio.Format) error {
	args := append([]string{}, f.cmd[1:]...)
	args = append(args,
		"-i", inPath,
		"-vn",
		"-ac", strconv.Itoa(target.Channels),
		"-ar", strconv.Itoa(target.SampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outPath,
	)

	command := exec.CommandContext(ctx, f.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("transcode %s: %w", inPath, ctx.Err())
		}
		return fmt.Errorf("%w: %v: %s", ErrConversionFailed, err, tail(stderr.String()))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("%w: no output produced: %v", ErrConversionFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: empty output", ErrConversionFailed)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
