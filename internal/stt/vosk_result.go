package stt

import (
	"encoding/json"
	"fmt"
	"strings"
)

type voskResult struct {
	Text         string `json:"text"`
	Alternatives []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
	Result []struct {
		Conf float64 `json:"conf"`
	} `json:"result"`
}

// parseVoskResult narrows the engine's JSON result to the best hypothesis.
func parseVoskResult(raw string) (TranscriptResult, error) {
	var res voskResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode vosk result: %w", err)
	}
	if len(res.Alternatives) > 0 {
		best := res.Alternatives[0]
		return TranscriptResult{Text: strings.TrimSpace(best.Text), Confidence: best.Confidence}, nil
	}
	out := TranscriptResult{Text: strings.TrimSpace(res.Text)}
	if len(res.Result) > 0 {
		var sum float64
		for _, w := range res.Result {
			sum += w.Conf
		}
		out.Confidence = sum / float64(len(res.Result))
	}
	return out, nil
}
