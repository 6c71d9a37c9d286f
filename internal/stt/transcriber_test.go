package stt

import (
	"context"
	"errors"
	"testing"
)

type recordingEngine struct {
	sessions []*recordingSession
	failNew  error
}

func (e *recordingEngine) Name() string { return "recording" }

func (e *recordingEngine) NewSession(sampleRate int) (Session, error) {
	if e.failNew != nil {
		return nil, e.failNew
	}
	s := &recordingSession{rate: sampleRate}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *recordingEngine) Close() error { return nil }

type recordingSession struct {
	rate   int
	data   []byte
	finals int
	closed bool
}

func (s *recordingSession) AcceptChunk(pcm []byte) error {
	s.data = append(s.data, pcm...)
	return nil
}

func (s *recordingSession) FinalResult(context.Context) (TranscriptResult, error) {
	s.finals++
	return TranscriptResult{Text: "ok", Confidence: 1}, nil
}

func (s *recordingSession) Close() error {
	s.closed = true
	return nil
}

func TestTranscriberFeedsSession(t *testing.T) {
	engine := &recordingEngine{}
	tr, err := NewTranscriber(engine, 16000)
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	defer tr.Close()

	for _, chunk := range [][]byte{{1, 0, 2, 0}, {}, {3, 0}} {
		if err := tr.AcceptChunk(chunk); err != nil {
			t.Fatalf("accept chunk: %v", err)
		}
	}
	if tr.Bytes() != 6 || tr.Chunks() != 2 {
		t.Fatalf("expected 6 bytes in 2 chunks, got %d in %d", tr.Bytes(), tr.Chunks())
	}

	res, err := tr.FinalizeAndGetResult(context.Background())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	s := engine.sessions[0]
	if s.rate != 16000 || len(s.data) != 6 || s.finals != 1 {
		t.Fatalf("unexpected session state %+v", s)
	}
}

func TestTranscriberFinalizeOnce(t *testing.T) {
	engine := &recordingEngine{}
	tr, err := NewTranscriber(engine, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.FinalizeAndGetResult(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.FinalizeAndGetResult(context.Background()); !errors.Is(err, ErrSessionFinalized) {
		t.Fatalf("expected ErrSessionFinalized on second finalize, got %v", err)
	}
	if err := tr.AcceptChunk([]byte{0, 0}); !errors.Is(err, ErrSessionFinalized) {
		t.Fatalf("expected ErrSessionFinalized after finalize, got %v", err)
	}
	if engine.sessions[0].finals != 1 {
		t.Fatalf("session finalized %d times", engine.sessions[0].finals)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if !engine.sessions[0].closed {
		t.Fatal("expected session to be closed")
	}
}

func TestTranscriberRejectsOddChunk(t *testing.T) {
	tr, err := NewTranscriber(&recordingEngine{}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if err := tr.AcceptChunk([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd-length chunk")
	}
}

func TestTranscriberSessionsAreIndependent(t *testing.T) {
	engine := &recordingEngine{}
	a, err := NewTranscriber(engine, 16000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTranscriber(engine, 16000)
	if err != nil {
		t.Fatal(err)
	}
	_ = a.AcceptChunk([]byte{1, 0})
	_ = b.AcceptChunk([]byte{2, 0, 3, 0})
	if len(engine.sessions) != 2 {
		t.Fatalf("expected two sessions, got %d", len(engine.sessions))
	}
	if len(engine.sessions[0].data) != 2 || len(engine.sessions[1].data) != 4 {
		t.Fatal("session state leaked between transcribers")
	}
}

func TestNewTranscriberSessionError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := NewTranscriber(&recordingEngine{failNew: boom}, 16000); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped session error, got %v", err)
	}
}
