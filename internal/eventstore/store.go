package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	_ "modernc.org/sqlite"
)

const (
	OutcomeTranscribed = "transcribed"
	OutcomeFailed      = "failed"
	OutcomeDiscarded   = "discarded"
)

// Utterance is one recorded pipeline outcome.
type Utterance struct {
	ID          int64
	RunID       string
	UtteranceID string
	Outcome     string
	Reason      string
	Text        string
	Error       string
	AudioMS     int64
	LatencyMS   int64
	CreatedAt   time.Time
}

// Store keeps dictation history in SQLite. Timestamps are stored as Unix
// milliseconds.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral mode
// returns a store that records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
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
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    backend TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    utterance_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT,
    text TEXT,
    error TEXT,
    audio_ms INTEGER,
    latency_ms INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_run_created ON utterances(run_id, created_at);
CREATE TABLE IF NOT EXISTS status_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    status TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records the start of a pipeline run.
func (s *Store) BeginRun(ctx context.Context, runID, backend string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, backend, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET backend=excluded.backend`,
		runID, backend, s.clock().UnixMilli())
	return err
}

// EndRun stamps the stop time of a run.
func (s *Store) EndRun(ctx context.Context, runID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET stopped_at = ? WHERE run_id = ?`, s.clock().UnixMilli(), runID)
	return err
}

// RecordUtterance appends an outcome to its run.
func (s *Store) RecordUtterance(ctx context.Context, u Utterance) error {
	if s.disabled() {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(run_id, utterance_id, outcome, reason, text, error, audio_ms, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.RunID, u.UtteranceID, u.Outcome, u.Reason, u.Text, u.Error, u.AudioMS, u.LatencyMS, u.CreatedAt.UnixMilli())
	return err
}

// RecordStatus appends a status change. runID may be empty.
func (s *Store) RecordStatus(ctx context.Context, runID, status, detail string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_changes(run_id, status, detail, created_at) VALUES(?, ?, ?, ?)`,
		runID, status, detail, s.clock().UnixMilli())
	return err
}

// ListRunUtterances returns up to limit outcomes of a run, oldest first.
func (s *Store) ListRunUtterances(ctx context.Context, runID string, limit int) ([]Utterance, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, run_id, utterance_id, outcome, reason, text, error, audio_ms, latency_ms, created_at
		 FROM utterances WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
}

// RecentTranscripts returns the newest successful transcripts across runs.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]Utterance, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx,
		`SELECT id, run_id, utterance_id, outcome, reason, text, error, audio_ms, latency_ms, created_at
		 FROM utterances WHERE outcome = ? ORDER BY created_at DESC, id DESC LIMIT ?`, OutcomeTranscribed, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Utterance, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		var reason, text, errText sql.NullString
		var created int64
		if err := rows.Scan(&u.ID, &u.RunID, &u.UtteranceID, &u.Outcome, &reason, &text, &errText, &u.AudioMS, &u.LatencyMS, &created); err != nil {
			return nil, err
		}
		u.Reason, u.Text, u.Error = reason.String, text.String, errText.String
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM status_changes WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
