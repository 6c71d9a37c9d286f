package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/transcode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	uploadName       = "upload"
	intermediateName = "intermediate.wav"
	recordTimeout    = 5 * time.Second
)

// Options tune a Service.
type Options struct {
	WorkDir       string
	MaxBytes      int64
	Target        audio.Format
	MaxConcurrent int
	Timeout       time.Duration
	QueueTimeout  time.Duration
}

// OptionsFromConfig maps the upload, stt and pipeline sections onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkDir:       cfg.Upload.WorkDir,
		MaxBytes:      cfg.Upload.MaxBytes,
		Target:        audio.Canonical,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Timeout:       time.Duration(cfg.Pipeline.TimeoutMS) * time.Millisecond,
		QueueTimeout:  time.Duration(cfg.Pipeline.QueueTimeoutMS) * time.Millisecond,
	}
}

// Recorder persists finished jobs.
type Recorder interface {
	RecordJob(ctx context.Context, job eventstore.Job) error
}

// Notifier broadcasts outcomes to other services.
type Notifier interface {
	PublishTranscript(msg protocol.Transcript)
	PublishFailure(msg protocol.Failure)
}

// Dependencies are the collaborators a Service drives. Store and Notifier
// are optional.
type Dependencies struct {
	Engine     stt.Engine
	Transcoder transcode.Transcoder
	Normalizer *audio.Normalizer
	Store      Recorder
	Notifier   Notifier
}

// Result describes a successful transcription.
type Result struct {
	ID            string        `json:"id"`
	Filename      string        `json:"filename"`
	Text          string        `json:"text"`
	Confidence    float64       `json:"confidence"`
	Class         Class         `json:"format_class"`
	SourceFormat  audio.Format  `json:"source_format"`
	Bytes         int64         `json:"bytes"`
	AudioDuration time.Duration `json:"audio_duration"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Service turns uploads into transcripts. Each request gets its own working
// directory and recognizer session; the engine and its model are shared.
type Service struct {
	opts       Options
	engine     stt.Engine
	transcoder transcode.Transcoder
	normalizer *audio.Normalizer
	store      Recorder
	notifier   Notifier
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *instruments
	slots      chan struct{}
	newID      func() string
	clock      func() time.Time
}

func New(opts Options, deps Dependencies, logger *slog.Logger) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("pipeline requires an stt engine")
	}
	if deps.Transcoder == nil {
		return nil, errors.New("pipeline requires a transcoder")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = audio.NewNormalizer(audio.DefaultQuality)
	}
	if opts.Target == (audio.Format{}) {
		opts.Target = audio.Canonical
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.WorkDir == "" {
		return nil, errors.New("pipeline work dir is empty")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	metrics, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("init pipeline metrics: %w", err)
	}

	return &Service{
		opts:       opts,
		engine:     deps.Engine,
		transcoder: deps.Transcoder,
		normalizer: deps.Normalizer,
		store:      deps.Store,
		notifier:   deps.Notifier,
		logger:     logger.With(slog.String("component", "stt-pipeline")),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    metrics,
		slots:      make(chan struct{}, opts.MaxConcurrent),
		newID:      uuid.NewString,
		clock:      time.Now,
	}, nil
}

// Transcribe runs one upload through staging, conversion, normalization and
// recognition. Every returned error is an *Error.
func (s *Service) Transcribe(ctx context.Context, upload *AudioUpload) (Result, error) {
	start := s.clock()
	res := Result{ID: s.newID()}
	if upload != nil {
		res.Filename = DisplayName(upload.Filename)
		res.Class = Classify(upload.Filename)
	}

	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.request_id", res.ID),
		attribute.String("stt.filename", res.Filename),
		attribute.String("stt.format_class", string(res.Class)),
	))
	defer span.End()

	err := s.run(ctx, upload, &res)
	res.Elapsed = s.clock().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	} else {
		span.SetAttributes(attribute.Int64("stt.audio_ms", res.AudioDuration.Milliseconds()))
	}
	s.metrics.record(ctx, res, err)
	s.report(ctx, res, err)

	if err != nil {
		return Result{ID: res.ID, Filename: res.Filename, Class: res.Class}, err
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, upload *AudioUpload, res *Result) error {
	if upload == nil || upload.Body == nil || upload.Size == 0 {
		return fail(KindMissingInput, StageIngress, errors.New("no audio file uploaded"))
	}
	if upload.Size > s.opts.MaxBytes && s.opts.MaxBytes > 0 {
		return fail(KindTooLarge, StageIngress, fmt.Errorf("upload of %d bytes exceeds limit of %d", upload.Size, s.opts.MaxBytes))
	}

	dir := filepath.Join(s.opts.WorkDir, res.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fail(KindInternal, StageIngress, fmt.Errorf("create request dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove request dir", slog.String("dir", dir), slogError(err))
		}
	}()

	// staged before a slot is taken, under its own deadline
	inPath := filepath.Join(dir, uploadName+safeExt(upload.Filename))
	stageCtx, cancelStage := s.withDeadline(ctx)
	n, err := s.stage(stageCtx, inPath, upload.Body)
	cancelStage()
	res.Bytes = n
	if err != nil {
		return err
	}
	if n == 0 {
		return fail(KindMissingInput, StageIngress, errors.New("uploaded file is empty"))
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	src, err := s.open(ctx, res.Class, inPath, dir)
	if err != nil {
		return err
	}
	defer src.Close()
	res.SourceFormat = src.Format()

	return s.decode(ctx, src, res)
}

// acquire waits for a free transcription slot, at most QueueTimeout.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	release := func() {
		s.metrics.inflight.Add(-1)
		<-s.slots
	}
	select {
	case s.slots <- struct{}{}:
		s.metrics.inflight.Add(1)
		return release, nil
	default:
	}
	if s.opts.QueueTimeout <= 0 {
		return nil, fail(KindBusy, StageQueue, errors.New("all transcription slots in use"))
	}

	timer := time.NewTimer(s.opts.QueueTimeout)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		s.metrics.inflight.Add(1)
		return release, nil
	case <-timer.C:
		return nil, fail(KindBusy, StageQueue, fmt.Errorf("no transcription slot within %s", s.opts.QueueTimeout))
	case <-ctx.Done():
		return nil, fail(KindInternal, StageQueue, ctx.Err())
	}
}

// withDeadline bounds ctx by the per-request timeout, if one is set.
func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// stage copies the body to path, enforcing MaxBytes. It returns as soon as
// ctx is done even if the body is still blocked; a body that is an io.Closer
// is closed to unblock the copy.
func (s *Service) stage(ctx context.Context, path string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fail(KindInternal, StageIngress, fmt.Errorf("create upload file: %w", err))
	}
	defer f.Close()

	if c, ok := body.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	limit := s.opts.MaxBytes
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}

	type copied struct {
		n   int64
		err error
	}
	done := make(chan copied, 1)
	go func() {
		n, err := io.Copy(f, body)
		done <- copied{n, err}
	}()

	var c copied
	select {
	case c = <-done:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return c.n, fail(KindInternal, StageIngress, fmt.Errorf("read upload: %w", err))
	}
	if c.err != nil {
		return c.n, fail(KindInternal, StageIngress, fmt.Errorf("write upload: %w", c.err))
	}
	if limit > 0 && c.n > limit {
		return c.n, fail(KindTooLarge, StageIngress, fmt.Errorf("upload exceeds limit of %d bytes", limit))
	}
	if err := f.Close(); err != nil {
		return c.n, fail(KindInternal, StageIngress, fmt.Errorf("close upload file: %w", err))
	}
	return c.n, nil
}

// open yields a PCM source for the staged upload. Foreign files are converted
// to WAV first and never reach the WAV decoder in their original form.
func (s *Service) open(ctx context.Context, class Class, inPath, dir string) (*audio.WAVSource, error) {
	if class == ClassNative {
		src, err := audio.OpenWAV(inPath)
		if err != nil {
			if errors.Is(err, audio.ErrUnsupportedFormat) {
				return nil, fail(KindUnsupportedFormat, StageIngress, err)
			}
			return nil, fail(KindInternal, StageIngress, err)
		}
		return src, nil
	}

	ctx, span := s.tracer.Start(ctx, "stt.transcode")
	defer span.End()

	outPath := filepath.Join(dir, intermediateName)
	if err := s.transcoder.Transcode(ctx, inPath, outPath, s.opts.Target); err != nil {
		span.RecordError(err)
		if ctx.Err() == nil && errors.Is(err, transcode.ErrConversionFailed) {
			return nil, fail(KindConversionFailed, StageTranscode, err)
		}
		return nil, fail(KindInternal, StageTranscode, err)
	}
	src, err := audio.OpenWAV(outPath)
	if err != nil {
		if errors.Is(err, audio.ErrUnsupportedFormat) {
			return nil, fail(KindConversionFailed, StageTranscode, err)
		}
		return nil, fail(KindInternal, StageTranscode, err)
	}
	return src, nil
}

// decode streams normalized PCM into a fresh recognizer session in chunks
// sized to the source byte rate.
func (s *Service) decode(ctx context.Context, src audio.Source, res *Result) error {
	ctx, span := s.tracer.Start(ctx, "stt.decode")
	defer span.End()

	stream, err := s.normalizer.Normalize(src, s.opts.Target)
	if err != nil {
		return fail(KindUnsupportedFormat, StageNormalize, err)
	}

	tr, err := stt.NewTranscriber(s.engine, s.opts.Target.SampleRate)
	if err != nil {
		return fail(KindInternal, StageDecode, err)
	}
	defer tr.Close()

	buf := make([]byte, audio.ChunkSize(src.Format()))
	for {
		if err := ctx.Err(); err != nil {
			return fail(KindInternal, StageDecode, err)
		}
		n, rerr := io.ReadFull(stream, buf)
		if n > 0 {
			if err := tr.AcceptChunk(buf[:n]); err != nil {
				return fail(KindInternal, StageDecode, err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			if errors.Is(rerr, audio.ErrUnsupportedFormat) {
				return fail(KindUnsupportedFormat, StageNormalize, rerr)
			}
			return fail(KindInternal, StageNormalize, rerr)
		}
	}

	out, err := tr.FinalizeAndGetResult(ctx)
	if err != nil {
		return fail(KindInternal, StageDecode, err)
	}
	span.SetAttributes(attribute.Int("stt.chunks", tr.Chunks()), attribute.Int64("stt.pcm_bytes", tr.Bytes()))

	res.AudioDuration = time.Duration(stream.OutputFrames()) * time.Second / time.Duration(s.opts.Target.SampleRate)
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return fail(KindTranscriptionEmpty, StageDecode, errors.New("recognizer returned no text"))
	}
	res.Text = text
	res.Confidence = out.Confidence
	return nil
}

func (s *Service) report(ctx context.Context, res Result, err error) {
	attrs := []any{
		slog.String("request_id", res.ID),
		slog.String("filename", res.Filename),
		slog.String("format_class", string(res.Class)),
		slog.Duration("elapsed", res.Elapsed),
	}

	job := eventstore.Job{
		ID:          res.ID,
		Filename:    res.Filename,
		FormatClass: string(res.Class),
		Bytes:       res.Bytes,
		AudioMS:     res.AudioDuration.Milliseconds(),
		DurationMS:  res.Elapsed.Milliseconds(),
		CreatedAt:   s.clock().UTC(),
	}

	if err == nil {
		job.Status = eventstore.StatusSucceeded
		job.Transcript = res.Text
		job.Confidence = res.Confidence
		s.logger.Info("transcription complete", append(attrs,
			slog.Int64("audio_ms", job.AudioMS),
			slog.Int("chars", len(res.Text)),
		)...)
		if s.notifier != nil {
			s.notifier.PublishTranscript(protocol.Transcript{
				RequestID:  res.ID,
				Filename:   res.Filename,
				Text:       res.Text,
				Confidence: res.Confidence,
				AudioMS:    job.AudioMS,
			})
		}
	} else {
		var pe *Error
		if !errors.As(err, &pe) {
			pe = fail(KindInternal, "", err)
		}
		job.Status = eventstore.StatusFailed
		job.ErrorKind = string(pe.Kind)
		attrs = append(attrs, slog.String("kind", string(pe.Kind)), slog.String("stage", string(pe.Stage)), slogError(err))
		if pe.ClientError() {
			s.logger.Warn("transcription rejected", attrs...)
		} else {
			s.logger.Error("transcription failed", attrs...)
		}
		if s.notifier != nil {
			s.notifier.PublishFailure(protocol.Failure{
				RequestID: res.ID,
				Filename:  res.Filename,
				Kind:      string(pe.Kind),
				Stage:     string(pe.Stage),
			})
		}
	}

	if s.store == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if rerr := s.store.RecordJob(recordCtx, job); rerr != nil {
		s.logger.Warn("failed to record job", slog.String("request_id", res.ID), slogError(rerr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
