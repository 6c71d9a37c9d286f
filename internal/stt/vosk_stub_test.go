//go:build !vosk

package stt

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func TestVoskUnavailableWithoutTag(t *testing.T) {
	_, err := NewEngine(config.STTConfig{Mode: "vosk", ModelPath: "./model"}, newLogger())
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}
