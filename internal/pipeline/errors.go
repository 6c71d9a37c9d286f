package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a transcription request did not produce text.
type Kind string

const (
	KindMissingInput       Kind = "MissingInput"
	KindUnsupportedFormat  Kind = "UnsupportedFormat"
	KindConversionFailed   Kind = "ConversionFailed"
	KindTranscriptionEmpty Kind = "TranscriptionEmpty"
	KindTooLarge           Kind = "TooLarge"
	KindBusy               Kind = "Busy"
	KindInternal           Kind = "InternalFailure"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageIngress   Stage = "ingress"
	StageQueue     Stage = "queue"
	StageTranscode Stage = "transcode"
	StageNormalize Stage = "normalize"
	StageDecode    Stage = "decode"
)

// Error is returned by Service.Transcribe for every failed request.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so callers can write
// errors.Is(err, pipeline.ErrBusy).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ClientError reports whether the failure was caused by the request rather
// than the service.
func (e *Error) ClientError() bool {
	switch e.Kind {
	case KindInternal, KindBusy:
		return false
	default:
		return true
	}
}

var (
	ErrMissingInput       = &Error{Kind: KindMissingInput}
	ErrUnsupportedFormat  = &Error{Kind: KindUnsupportedFormat}
	ErrConversionFailed   = &Error{Kind: KindConversionFailed}
	ErrTranscriptionEmpty = &Error{Kind: KindTranscriptionEmpty}
	ErrTooLarge           = &Error{Kind: KindTooLarge}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrInternal           = &Error{Kind: KindInternal}
)

// KindOf extracts the Kind of err, treating foreign errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

func fail(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
