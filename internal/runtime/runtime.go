package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/httpapi"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/pipeline"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/transcode"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	handler     http.Handler
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	engine      stt.Engine
	pipeline    *pipeline.Service
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.init(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeout) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			errCh <- err
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.engine.Name()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// init builds every component in dependency order and assembles the HTTP
// handler. Components created before a failure are released by close.
func (r *Runtime) init(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	busCfg := r.cfg.Bus
	r.natsServer, err = natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if r.natsServer != nil {
		busCfg.Servers = []string{r.natsServer.ClientURL()}
	}
	if busCfg.Enabled {
		r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	r.engine, err = stt.NewEngine(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("failed to load stt engine: %w", err)
	}

	transcoder, err := transcode.NewFFmpeg(r.cfg.Transcoder.Command)
	if err != nil {
		return fmt.Errorf("failed to configure transcoder: %w", err)
	}

	r.pipeline, err = pipeline.New(pipeline.OptionsFromConfig(r.cfg), pipeline.Dependencies{
		Engine:     r.engine,
		Transcoder: transcoder,
		Normalizer: audio.NewNormalizer(r.cfg.Normalizer.Quality),
		Store:      r.store,
		Notifier:   stt.NewPublisher(r.bus, r.logger),
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	var jobs httpapi.JobStore
	if r.store.Persistent() {
		jobs = r.store
	}
	httpapi.New(r.pipeline, jobs, httpapi.Options{
		FieldName:     r.cfg.Upload.FieldName,
		MaxBytes:      r.cfg.Upload.MaxBytes,
		UploadTimeout: time.Duration(r.cfg.Pipeline.TimeoutMS) * time.Millisecond,
	}, r.logger).Register(mux)
	r.handler = mux
	return nil
}

// close releases components in reverse construction order.
func (r *Runtime) close(ctx context.Context) {
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Error("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if r.store == nil || !r.store.Persistent() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
