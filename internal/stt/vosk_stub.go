//go:build !vosk

package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/config"
)

// NewVoskEngine is unavailable unless the binary is built with -tags vosk and
// libvosk is installed.
func NewVoskEngine(cfg config.STTConfig, _ *slog.Logger) (Engine, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags vosk to load %s", ErrEngineUnavailable, cfg.ModelPath)
}
