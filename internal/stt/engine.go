package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/config"
)

var (
	// ErrSessionFinalized is returned when a session is used after its result was taken.
	ErrSessionFinalized = errors.New("recognizer session already finalized")
	// ErrEngineUnavailable is returned when the configured engine is not compiled in.
	ErrEngineUnavailable = errors.New("speech engine unavailable")
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Engine owns the loaded model. It is safe for concurrent use; decoding state
// lives in the sessions it hands out.
type Engine interface {
	Name() string
	NewSession(sampleRate int) (Session, error)
	Close() error
}

// Session holds the decoding state of exactly one transcription. Chunks must
// be submitted in stream order from a single goroutine.
type Session interface {
	AcceptChunk(pcm []byte) error
	FinalResult(ctx context.Context) (TranscriptResult, error)
	Close() error
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.STTConfig, logger *slog.Logger) (Engine, error) {
	logger = logger.With(slog.String("component", "stt-engine"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "vosk":
		return NewVoskEngine(cfg, logger)
	case "exec":
		return NewExecEngine(cfg)
	case "openai":
		return NewOpenAIEngine(cfg)
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
