package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.Persistent() {
		t.Fatal("ephemeral store must not be persistent")
	}
	if err := es.RecordJob(context.Background(), Job{ID: "x", Status: StatusSucceeded}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	if _, err := es.GetJob(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordAndGet(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "persistent"})
	ctx := context.Background()

	job := Job{
		ID:          "job-1",
		Filename:    "speech.wav",
		FormatClass: "native",
		Status:      StatusSucceeded,
		Transcript:  "hello world",
		Confidence:  0.9,
		Bytes:       32044,
		AudioMS:     1000,
		DurationMS:  42,
	}
	if err := es.RecordJob(ctx, job); err != nil {
		t.Fatalf("record job: %v", err)
	}
	got, err := es.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Transcript != "hello world" || got.FormatClass != "native" || got.AudioMS != 1000 {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	job.Status = StatusFailed
	job.ErrorKind = "TranscriptionEmpty"
	job.Transcript = ""
	if err := es.RecordJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}
	got, err = es.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.ErrorKind != "TranscriptionEmpty" {
		t.Fatalf("expected updated status, got %+v", got)
	}

	if _, err := es.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "persistent"})
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := es.RecordJob(ctx, Job{ID: id, Status: StatusSucceeded, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := es.ListJobs(ctx, 2)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1}
	es := openStore(t, cfg)
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordJob(ctx, Job{ID: "old", Status: StatusSucceeded}); err != nil {
		t.Fatal(err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for i, id := range []string{"new-1", "new-2"} {
		if err := es.RecordJob(ctx, Job{ID: id, Status: StatusSucceeded, CreatedAt: es.clock().Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := es.GetJob(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job pruned by age, got %v", err)
	}
	jobs, err := es.ListJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected max_jobs=1 to keep one job, got %d", len(jobs))
	}
}
