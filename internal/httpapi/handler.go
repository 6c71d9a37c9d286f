package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/pipeline"
)

const (
	TranscribePath     = "/api/speech-to-text/transcribe"
	TranscriptionsPath = "/api/speech-to-text/transcriptions"

	aliasField = "file"
	// multipart boundaries and part headers on top of the file itself
	formOverhead = 1 << 20
	maxListLimit = 1000
)

var messages = map[pipeline.Kind]string{
	pipeline.KindMissingInput:       "No audio file was uploaded.",
	pipeline.KindUnsupportedFormat:  "Unsupported or corrupt audio file.",
	pipeline.KindConversionFailed:   "Failed to convert audio to WAV format.",
	pipeline.KindTranscriptionEmpty: "Transcription failed.",
	pipeline.KindTooLarge:           "Uploaded file is too large.",
	pipeline.KindBusy:               "Server is busy. Try again later.",
	pipeline.KindInternal:           "Internal server error.",
}

// Transcriber is the pipeline as seen from HTTP.
type Transcriber interface {
	Transcribe(ctx context.Context, upload *pipeline.AudioUpload) (pipeline.Result, error)
}

// JobStore serves job history lookups.
type JobStore interface {
	GetJob(ctx context.Context, id string) (eventstore.Job, error)
	ListJobs(ctx context.Context, limit int) ([]eventstore.Job, error)
}

type Options struct {
	FieldName string
	MaxBytes  int64
	// UploadTimeout caps how long the request body may take to arrive.
	UploadTimeout time.Duration
}

// Handler exposes the transcription endpoints.
type Handler struct {
	svc    Transcriber
	jobs   JobStore
	opts   Options
	logger *slog.Logger
}

func New(svc Transcriber, jobs JobStore, opts Options, logger *slog.Logger) *Handler {
	if opts.FieldName == "" {
		opts.FieldName = "formFile"
	}
	return &Handler{
		svc:    svc,
		jobs:   jobs,
		opts:   opts,
		logger: logger.With(slog.String("component", "httpapi")),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+TranscribePath, h.handleTranscribe)
	mux.HandleFunc("GET "+TranscriptionsPath, h.handleListJobs)
	mux.HandleFunc("GET "+TranscriptionsPath+"/{id}", h.handleGetJob)
}

type transcribeResponse struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename,omitempty"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	FormatClass string  `json:"format_class"`
	AudioMS     int64   `json:"audio_ms"`
	ElapsedMS   int64   `json:"elapsed_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.opts.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBytes+formOverhead)
	}
	if h.opts.UploadTimeout > 0 {
		// not every ResponseWriter supports deadlines; the pipeline bounds staging too
		_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(h.opts.UploadTimeout))
	}

	upload, part, err := h.findUpload(r)
	if err != nil {
		h.writeError(w, r, "", kindForRequestError(err))
		return
	}
	if part != nil {
		defer part.Close()
	}

	res, err := h.svc.Transcribe(r.Context(), upload)
	if err != nil {
		var maxErr *http.MaxBytesError
		kind := pipeline.KindOf(err)
		if errors.As(err, &maxErr) {
			kind = pipeline.KindTooLarge
		}
		h.writeError(w, r, res.ID, kind)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, transcribeResponse{
			ID:          res.ID,
			Filename:    res.Filename,
			Text:        res.Text,
			Confidence:  res.Confidence,
			FormatClass: string(res.Class),
			AudioMS:     res.AudioDuration.Milliseconds(),
			ElapsedMS:   res.Elapsed.Milliseconds(),
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Request-Id", res.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.Text)
}

// findUpload walks the multipart body until it reaches the configured file
// field or its alias. The part is streamed, never buffered whole.
func (h *Handler) findUpload(r *http.Request) (*pipeline.AudioUpload, *multipart.Part, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return &pipeline.AudioUpload{}, nil, nil
	}
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, nil, err
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return &pipeline.AudioUpload{}, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		name := part.FormName()
		if (name == h.opts.FieldName || name == aliasField) && part.FileName() != "" {
			// hide Part.Close from the pipeline, it drains the rest of the body
			body := struct{ io.Reader }{part}
			return &pipeline.AudioUpload{Filename: part.FileName(), Body: body, Size: -1}, part, nil
		}
		part.Close()
	}
}

func kindForRequestError(err error) pipeline.Kind {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return pipeline.KindTooLarge
	}
	return pipeline.KindMissingInput
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		http.NotFound(w, r)
		return
	}
	job, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Transcription not found.", Kind: "NotFound"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load job", slog.String("id", r.PathValue("id")), slogError(err))
		h.writeError(w, r, "", pipeline.KindInternal)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxListLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 1000.", Kind: "InvalidArgument"})
			return
		}
		limit = v
	}
	jobs := []eventstore.Job{}
	if h.jobs != nil {
		found, err := h.jobs.ListJobs(r.Context(), limit)
		if err != nil {
			h.logger.Error("failed to list jobs", slogError(err))
			h.writeError(w, r, "", pipeline.KindInternal)
			return
		}
		if found != nil {
			jobs = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, id string, kind pipeline.Kind) {
	status := StatusFor(kind)
	msg, ok := messages[kind]
	if !ok {
		msg = messages[pipeline.KindInternal]
	}
	if kind == pipeline.KindBusy {
		w.Header().Set("Retry-After", "1")
	}
	if id != "" {
		w.Header().Set("X-Request-Id", id)
	}
	if wantsJSON(r) {
		writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind), ID: id})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// StatusFor maps a pipeline failure onto an HTTP status code.
func StatusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindMissingInput, pipeline.KindUnsupportedFormat,
		pipeline.KindConversionFailed, pipeline.KindTranscriptionEmpty:
		return http.StatusBadRequest
	case pipeline.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
