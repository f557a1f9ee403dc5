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

	"github.com/loqalabs/loqa-studio/internal/config"
	_ "modernc.org/sqlite"
)

// Outcome values recorded for a synthesis attempt.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Synthesis is one recorded attempt to speak a session's text.
type Synthesis struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Voice      string    `json:"voice"`
	InputChars int       `json:"input_chars"`
	Outcome    string    `json:"outcome"`
	HandleID   string    `json:"handle_id,omitempty"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed synthesis timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS synthesis_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    voice TEXT NOT NULL,
    input_chars INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    handle_id TEXT,
    audio_bytes INTEGER,
    latency_ms INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_synthesis_session_created ON synthesis_events(session_id, created_at);
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

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy pings the database. An ephemeral store is always healthy.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// TouchSession ensures a session row exists and bumps its last_seen time.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at, last_seen)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_seen=excluded.last_seen`,
		sessionID, now, now)
	return err
}

// AppendSynthesis records one attempt, creating the session row if needed.
func (s *Store) AppendSynthesis(ctx context.Context, evt Synthesis) error {
	if s.disabled() {
		return nil
	}
	if evt.SessionID == "" {
		return errors.New("synthesis event missing session id")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	if err := s.TouchSession(ctx, evt.SessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synthesis_events(session_id, voice, input_chars, outcome, handle_id, audio_bytes, latency_ms, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Voice, evt.InputChars, evt.Outcome, evt.HandleID, evt.AudioBytes, evt.LatencyMS, evt.Error, evt.CreatedAt.UTC().UnixNano())
	return err
}

// ListSession retrieves up to limit events for a session, newest first.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Synthesis, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, voice, input_chars, outcome, COALESCE(handle_id, ''), COALESCE(audio_bytes, 0), latency_ms, COALESCE(error, ''), created_at
		 FROM synthesis_events WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Synthesis
	for rows.Next() {
		var e Synthesis
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Voice, &e.InputChars, &e.Outcome, &e.HandleID, &e.AudioBytes, &e.LatencyMS, &e.Error, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM synthesis_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner calls Prune every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("scheduled prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
