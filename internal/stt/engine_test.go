package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = append(out, byte(uint16(s)), byte(uint16(s)>>8))
	}
	return out
}

func TestMockEngineSilenceIsEmpty(t *testing.T) {
	engine := NewMockEngine()
	session, err := engine.NewSession(16000)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.AcceptChunk(make([]byte, 3200)); err != nil {
		t.Fatal(err)
	}
	res, err := session.FinalResult(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" {
		t.Fatalf("expected empty transcript for silence, got %q", res.Text)
	}
}

func TestMockEngineReportsSamples(t *testing.T) {
	session, err := NewMockEngine().NewSession(16000)
	if err != nil {
		t.Fatal(err)
	}
	_ = session.AcceptChunk(pcm16(0, 100, -100, 0))
	res, err := session.FinalResult(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "[transcript samples=4]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %f", res.Confidence)
	}
	if _, err := session.FinalResult(context.Background()); err != ErrSessionFinalized {
		t.Fatalf("expected ErrSessionFinalized, got %v", err)
	}
}

func TestParseVoskResult(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		text string
		conf float64
	}{
		{"alternatives", `{"alternatives":[{"text":" turn on the lights ","confidence":0.8},{"text":"turn of","confidence":0.1}]}`, "turn on the lights", 0.8},
		{"words", `{"text":"hello world","result":[{"conf":1.0},{"conf":0.5}]}`, "hello world", 0.75},
		{"empty", `{"text":""}`, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := parseVoskResult(tc.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if res.Text != tc.text || math.Abs(res.Confidence-tc.conf) > 1e-9 {
				t.Fatalf("got %+v, want text=%q conf=%f", res, tc.text, tc.conf)
			}
		})
	}
	if _, err := parseVoskResult("not json"); err == nil {
		t.Fatal("expected error for malformed result")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecEngineTranscribes(t *testing.T) {
	script := writeScript(t, `audio=""
lang=""
while [ $# -gt 0 ]; do
  case "$1" in
    --audio) audio="$2"; shift ;;
    --language) lang="$2"; shift ;;
  esac
  shift
done
if [ ! -s "$audio" ]; then echo "missing audio" >&2; exit 1; fi
if [ "$(head -c 4 "$audio")" != "RIFF" ]; then echo "not wav" >&2; exit 1; fi
printf '{"text":" hello %s ","confidence":0.75}' "$lang"
`)
	engine, err := NewExecEngine(config.STTConfig{Command: script, Language: "en"})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	tr, err := NewTranscriber(engine, 16000)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if err := tr.AcceptChunk(pcm16(1, 2, 3, 4)); err != nil {
		t.Fatal(err)
	}
	res, err := tr.FinalizeAndGetResult(context.Background())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Text != "hello en" || res.Confidence != 0.75 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecEngineNoAudioSkipsCommand(t *testing.T) {
	script := writeScript(t, "echo called >&2\nexit 1\n")
	engine, err := NewExecEngine(config.STTConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	session, err := engine.NewSession(16000)
	if err != nil {
		t.Fatal(err)
	}
	res, err := session.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("expected empty result without invoking command, got %v", err)
	}
	if res.Text != "" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestExecEngineCommandFailure(t *testing.T) {
	script := writeScript(t, "echo 'model missing' >&2\nexit 3\n")
	engine, err := NewExecEngine(config.STTConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	session, _ := engine.NewSession(16000)
	_ = session.AcceptChunk(pcm16(5, 5))
	_, err = session.FinalResult(context.Background())
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestOpenAIEngineTranscribes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			http.Error(w, "bad model "+got, http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task":     "transcribe",
			"language": "en",
			"duration": 0.5,
			"text":     " good morning ",
			"segments": []map[string]any{{"id": 0, "avg_logprob": -0.2}, {"id": 1, "avg_logprob": -0.4}},
		})
	}))
	defer srv.Close()

	engine, err := NewOpenAIEngine(config.STTConfig{Endpoint: srv.URL + "/v1/", Model: "whisper-1"})
	if err != nil {
		t.Fatalf("new openai engine: %v", err)
	}
	session, err := engine.NewSession(16000)
	if err != nil {
		t.Fatal(err)
	}
	_ = session.AcceptChunk(pcm16(10, -10, 10, -10))
	res, err := session.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "good morning" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if want := math.Exp(-0.3); math.Abs(res.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %f, want %f", res.Confidence, want)
	}
}

func TestNewEngineModes(t *testing.T) {
	engine, err := NewEngine(config.STTConfig{Mode: "mock"}, newLogger())
	if err != nil || engine.Name() != "mock" {
		t.Fatalf("mock engine: %v %v", engine, err)
	}
	if _, err := NewEngine(config.STTConfig{Mode: "exec"}, newLogger()); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	if _, err := NewEngine(config.STTConfig{Mode: "openai"}, newLogger()); err == nil {
		t.Fatal("expected error for openai mode without endpoint")
	}
	if _, err := NewEngine(config.STTConfig{Mode: "telepathy"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
