package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// fixed width so created_at sorts lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Job is one transcription request as seen by the pipeline.
type Job struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	FormatClass string    `json:"format_class"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Bytes       int64     `json:"bytes"`
	AudioMS     int64     `json:"audio_ms"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed job history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    filename TEXT,
    format_class TEXT,
    status TEXT NOT NULL,
    error_kind TEXT,
    transcript TEXT,
    confidence REAL,
    bytes INTEGER,
    audio_ms INTEGER,
    duration_ms INTEGER,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether jobs are actually written anywhere.
func (s *Store) Persistent() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// RecordJob inserts or replaces a job row.
func (s *Store) RecordJob(ctx context.Context, job Job) error {
	if !s.Persistent() {
		return nil
	}
	if job.ID == "" {
		return errors.New("job id must not be empty")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, filename, format_class, status, error_kind, transcript, confidence, bytes, audio_ms, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, error_kind=excluded.error_kind,
		   transcript=excluded.transcript, confidence=excluded.confidence, audio_ms=excluded.audio_ms,
		   duration_ms=excluded.duration_ms`,
		job.ID, job.Filename, job.FormatClass, job.Status, job.ErrorKind, job.Transcript, job.Confidence,
		job.Bytes, job.AudioMS, job.DurationMS, job.CreatedAt.UTC().Format(timeLayout))
	return err
}

// GetJob looks up a single job.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	if !s.Persistent() {
		return Job{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, format_class, status, error_kind, transcript, confidence, bytes, audio_ms, duration_ms, created_at
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if !s.Persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, format_class, status, error_kind, transcript, confidence, bytes, audio_ms, duration_ms, created_at
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		j       Job
		created string
		errKind sql.NullString
		text    sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Filename, &j.FormatClass, &j.Status, &errKind, &text, &j.Confidence,
		&j.Bytes, &j.AudioMS, &j.DurationMS, &created); err != nil {
		return Job{}, err
	}
	j.ErrorKind = errKind.String
	j.Transcript = text.String
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if ts, err := time.Parse(layout, created); err == nil {
			j.CreatedAt = ts
			break
		}
	}
	return j, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.Persistent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UTC().Format(timeLayout)); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
