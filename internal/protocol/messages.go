package protocol

import "time"

// Transcript is broadcast on the bus when an upload was transcribed.
type Transcript struct {
	RequestID  string    `json:"request_id"`
	Filename   string    `json:"filename"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
	AudioMS    int64     `json:"audio_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Failure is broadcast when a transcription request did not produce text.
type Failure struct {
	RequestID string    `json:"request_id"`
	Filename  string    `json:"filename"`
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal  = "stt.transcript.final"
	SubjectTranscriptFailed = "stt.transcript.failed"
)
