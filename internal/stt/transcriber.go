package stt

import (
	"context"
	"fmt"
	"sync"
)

// Transcriber streams canonical PCM chunks into one recognizer session and
// extracts the final transcript exactly once.
type Transcriber struct {
	mu        sync.Mutex
	session   Session
	finalized bool
	bytes     int64
	chunks    int
}

// NewTranscriber allocates a fresh session on engine. The caller must Close it.
func NewTranscriber(engine Engine, sampleRate int) (*Transcriber, error) {
	session, err := engine.NewSession(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("new %s session: %w", engine.Name(), err)
	}
	return &Transcriber{session: session}, nil
}

// AcceptChunk appends 16-bit PCM to the session's rolling state.
func (t *Transcriber) AcceptChunk(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrSessionFinalized
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm chunk not aligned: %d bytes", len(pcm))
	}
	if len(pcm) == 0 {
		return nil
	}
	if err := t.session.AcceptChunk(pcm); err != nil {
		return err
	}
	t.bytes += int64(len(pcm))
	t.chunks++
	return nil
}

// FinalizeAndGetResult flushes the session and returns its best hypothesis.
// The transcriber accepts nothing afterwards.
func (t *Transcriber) FinalizeAndGetResult(ctx context.Context) (TranscriptResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return TranscriptResult{}, ErrSessionFinalized
	}
	t.finalized = true
	return t.session.FinalResult(ctx)
}

// Bytes is the total PCM accepted so far.
func (t *Transcriber) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *Transcriber) Chunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = true
	return t.session.Close()
}
