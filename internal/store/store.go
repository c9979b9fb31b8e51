package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/orator/internal/config"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrSessionClosed      = errors.New("session already ended")
)

// Store wraps the SQLite database holding users, call sessions, feedback and
// telemetry.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", cfg.Path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection serializes the
	// check-then-debit transactions instead of failing them with SQLITE_BUSY.
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
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS challenges (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL,
    challenge_id INTEGER NOT NULL,
    transcription_model TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    audio_path TEXT,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_started ON sessions(user_id, started_at);
CREATE TABLE IF NOT EXISTS feedback (
    session_id TEXT PRIMARY KEY,
    clarity_score INTEGER NOT NULL,
    filler_words TEXT NOT NULL,
    tone TEXT NOT NULL,
    confidence INTEGER NOT NULL,
    highlights TEXT NOT NULL,
    narrative TEXT NOT NULL,
    transcript TEXT NOT NULL,
    duration_seconds REAL NOT NULL,
    duration_estimated INTEGER NOT NULL DEFAULT 0,
    transcription_model TEXT NOT NULL,
    analysis_degraded INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS telemetry (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at INTEGER NOT NULL,
    level TEXT NOT NULL,
    category TEXT NOT NULL,
    action TEXT NOT NULL,
    user_id INTEGER,
    session_id TEXT,
    metadata TEXT,
    duration_ms INTEGER,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_telemetry_created ON telemetry(created_at);
CREATE INDEX IF NOT EXISTS idx_telemetry_session ON telemetry(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
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

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Prune applies telemetry retention (called on startup and on a ticker).
// Sessions and feedback are never pruned.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.cfg.TelemetryRetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.TelemetryRetentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPruner prunes on the configured interval until ctx is cancelled.
func (s *Store) RunPruner(ctx context.Context) {
	interval := time.Duration(s.cfg.PruneInterval) * time.Millisecond
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				s.log.Warn("telemetry prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.log.Info("telemetry pruned", slog.Int64("rows", n))
			}
		}
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
