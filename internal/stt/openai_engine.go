package stt

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/sashabaranov/go-openai"
)

// openAIEngine talks to any OpenAI-compatible transcription endpoint, such as
// a whisper server running next to the service.
type openAIEngine struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIEngine(cfg config.STTConfig) (Engine, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIEngine{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: cfg.Language,
	}, nil
}

func (e *openAIEngine) Name() string { return "openai" }

func (e *openAIEngine) NewSession(sampleRate int) (Session, error) {
	return &bufferedSession{sampleRate: sampleRate, finish: e.transcribe}, nil
}

func (e *openAIEngine) Close() error { return nil }

func (e *openAIEngine) transcribe(ctx context.Context, wavPath string) (TranscriptResult, error) {
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: wavPath,
		Language: e.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{
		Text:       strings.TrimSpace(resp.Text),
		Confidence: segmentConfidence(resp),
	}, nil
}

// segmentConfidence turns the mean segment log-probability into a 0..1 score.
func segmentConfidence(resp openai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range resp.Segments {
		sum += seg.AvgLogprob
	}
	return math.Exp(sum / float64(len(resp.Segments)))
}
