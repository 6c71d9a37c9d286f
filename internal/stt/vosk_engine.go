//go:build vosk

package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-stt/internal/config"
)

// voskEngine loads the acoustic and language model once. Every session gets
// its own recognizer so concurrent requests never share decoder state.
type voskEngine struct {
	model  *vosk.VoskModel
	logger *slog.Logger
	once   sync.Once
}

func NewVoskEngine(cfg config.STTConfig, logger *slog.Logger) (Engine, error) {
	// libvosk hands back a NULL model instead of an error on a bad path
	if err := checkVoskModel(cfg.ModelPath); err != nil {
		return nil, err
	}
	vosk.SetLogLevel(cfg.EngineLogLevel)
	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model %s: %w", cfg.ModelPath, err)
	}
	logger.Info("speech model loaded", slog.String("model_path", cfg.ModelPath))
	return &voskEngine{model: model, logger: logger}, nil
}

func (e *voskEngine) Name() string { return "vosk" }

func (e *voskEngine) NewSession(sampleRate int) (Session, error) {
	rec, err := vosk.NewRecognizer(e.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	return &voskSession{rec: rec}, nil
}

func (e *voskEngine) Close() error {
	e.once.Do(func() { e.model.Free() })
	return nil
}

type voskSession struct {
	rec   *vosk.VoskRecognizer
	done  bool
	freed bool
}

func (s *voskSession) AcceptChunk(pcm []byte) error {
	if s.done {
		return ErrSessionFinalized
	}
	if s.rec.AcceptWaveform(pcm) < 0 {
		return fmt.Errorf("vosk rejected waveform chunk")
	}
	return nil
}

func (s *voskSession) FinalResult(_ context.Context) (TranscriptResult, error) {
	if s.done {
		return TranscriptResult{}, ErrSessionFinalized
	}
	s.done = true
	return parseVoskResult(s.rec.FinalResult())
}

func (s *voskSession) Close() error {
	s.done = true
	if !s.freed {
		s.freed = true
		s.rec.Free()
	}
	return nil
}
