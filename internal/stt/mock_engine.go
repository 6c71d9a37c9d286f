package stt

import (
	"context"
	"encoding/binary"
	"fmt"
)

type mockEngine struct{}

// NewMockEngine returns an engine that reports how much non-silent audio it saw.
// Pure silence yields an empty transcript.
func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) NewSession(_ int) (Session, error) {
	return &mockSession{}, nil
}

func (m *mockEngine) Close() error { return nil }

type mockSession struct {
	samples int
	voiced  int
	done    bool
}

func (s *mockSession) AcceptChunk(pcm []byte) error {
	if s.done {
		return ErrSessionFinalized
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		if int16(binary.LittleEndian.Uint16(pcm[i:])) != 0 {
			s.voiced++
		}
		s.samples++
	}
	return nil
}

func (s *mockSession) FinalResult(_ context.Context) (TranscriptResult, error) {
	if s.done {
		return TranscriptResult{}, ErrSessionFinalized
	}
	s.done = true
	if s.voiced == 0 {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript samples=%d]", s.samples),
		Confidence: float64(s.voiced) / float64(s.samples),
	}, nil
}

func (s *mockSession) Close() error {
	s.done = true
	return nil
}
