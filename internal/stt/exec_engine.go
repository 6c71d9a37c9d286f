package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine hands each finished session to an external recognizer command.
// The command receives a WAV file via --audio and prints {"text","confidence"}.
type execEngine struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecEngine(cfg config.STTConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) NewSession(sampleRate int) (Session, error) {
	return &bufferedSession{sampleRate: sampleRate, finish: e.run}, nil
}

func (e *execEngine) Close() error { return nil }

func (e *execEngine) run(ctx context.Context, wavPath string) (TranscriptResult, error) {
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", wavPath)
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.cfg.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

// bufferedSession collects the whole utterance and hands it to finish as a
// temporary WAV file. Used by engines that only accept complete files.
type bufferedSession struct {
	sampleRate int
	pcm        bytes.Buffer
	finish     func(ctx context.Context, wavPath string) (TranscriptResult, error)
	done       bool
}

func (s *bufferedSession) AcceptChunk(pcm []byte) error {
	if s.done {
		return ErrSessionFinalized
	}
	s.pcm.Write(pcm)
	return nil
}

func (s *bufferedSession) FinalResult(ctx context.Context) (TranscriptResult, error) {
	if s.done {
		return TranscriptResult{}, ErrSessionFinalized
	}
	s.done = true
	if s.pcm.Len() == 0 {
		return TranscriptResult{}, nil
	}

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	src := audio.NewRawSource(bytes.NewReader(s.pcm.Bytes()), audio.Format{SampleRate: s.sampleRate, Channels: 1, BitDepth: 16})
	if err := audio.EncodeWAV(file, src); err != nil {
		return TranscriptResult{}, err
	}
	if err := file.Sync(); err != nil {
		return TranscriptResult{}, fmt.Errorf("sync wav: %w", err)
	}
	return s.finish(ctx, file.Name())
}

func (s *bufferedSession) Close() error {
	s.done = true
	s.pcm.Reset()
	return nil
}
