// Package memory is the session persistence layer: best-effort
// durability for the active session, the session catalogue, and a
// bounded per-session snapshot of recent messages.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"precinct/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	metaActiveSessionID      = "active_session_id"
	metaActiveSessionCreated = "active_session_created"
)

// Options bound what the store retains. Zero values select defaults.
type Options struct {
	// SnapshotLimit is the per-session window of recent messages
	// persisted on each append (K, smaller than the in-memory cap).
	SnapshotLimit int
	// MaxSessions bounds the session catalogue.
	MaxSessions int
	// MaxAge is the session lifetime. An active session older than
	// this wipes the whole namespace on next access.
	MaxAge time.Duration
	// SizeBudget caps the total persisted snapshot payload bytes.
	SizeBudget int64
}

func (o *Options) fill() {
	if o.SnapshotLimit <= 0 {
		o.SnapshotLimit = 50
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 20
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.SizeBudget <= 0 {
		o.SizeBudget = 512 * 1024
	}
}

// SQLiteStore implements domain.SessionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	opts   Options
}

// NewSQLiteStore opens (creating if needed) the session database.
func NewSQLiteStore(dbPath string, logger *slog.Logger, opts Options) (*SQLiteStore, error) {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger, opts: opts}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id    TEXT PRIMARY KEY,
		title         TEXT,
		created_at    DATETIME,
		last_activity DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

	CREATE TABLE IF NOT EXISTS snapshots (
		session_id    TEXT PRIMARY KEY,
		payload       TEXT NOT NULL,
		message_count INTEGER DEFAULT 0,
		last_activity DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveActiveSession records the active session id and its creation time.
func (s *SQLiteStore) SaveActiveSession(ctx context.Context, id string, createdAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaActiveSessionID, id,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaActiveSessionCreated, createdAt.Format(time.RFC3339Nano),
	)
	return err
}

// ActiveSession returns the persisted active session. A session past
// its maximum age wipes the entire namespace: session identity, not
// per-message age, drives expiry. Missing or corrupt data reads as
// absent.
func (s *SQLiteStore) ActiveSession(ctx context.Context) (string, time.Time, error) {
	id, err := s.metaValue(ctx, metaActiveSessionID)
	if err != nil || id == "" {
		return "", time.Time{}, err
	}
	raw, err := s.metaValue(ctx, metaActiveSessionCreated)
	if err != nil {
		return "", time.Time{}, err
	}
	createdAt, perr := time.Parse(time.RFC3339Nano, raw)
	if perr != nil {
		s.logger.Warn("unreadable active-session timestamp, treating as absent", "value", raw)
		return "", time.Time{}, nil
	}
	if time.Since(createdAt) > s.opts.MaxAge {
		s.logger.Info("active session expired, wiping persisted state",
			"session", id, "age", time.Since(createdAt))
		if err := s.Wipe(ctx); err != nil {
			return "", time.Time{}, err
		}
		return "", time.Time{}, nil
	}
	return id, createdAt, nil
}

func (s *SQLiteStore) metaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SaveCatalogue replaces the session catalogue, then trims it to the
// configured maximum keeping the most recently active sessions.
func (s *SQLiteStore) SaveCatalogue(ctx context.Context, sessions []domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return err
	}
	for _, sess := range sessions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions (session_id, title, created_at, last_activity)
			 VALUES (?, ?, ?, ?)`,
			sess.ID, sess.Title, sess.CreatedAt, sess.LastActivity,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id NOT IN (
			SELECT session_id FROM sessions ORDER BY last_activity DESC LIMIT ?
		)`, s.opts.MaxSessions,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Catalogue returns the persisted catalogue, most recently active first.
func (s *SQLiteStore) Catalogue(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, title, created_at, last_activity
		 FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveSnapshot persists the most recent window of the session's
// messages alongside the true total count. When the persisted payloads
// exceed the size budget an expired-session sweep runs first and the
// write is retried once.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap domain.SessionSnapshot) error {
	if snap.SessionID == "" {
		return errors.New("snapshot without session id")
	}
	if len(snap.Messages) > s.opts.SnapshotLimit {
		snap.Messages = snap.Messages[len(snap.Messages)-s.opts.SnapshotLimit:]
	}
	if snap.LastActivity.IsZero() {
		snap.LastActivity = time.Now()
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	size, err := s.payloadSize(ctx)
	if err != nil {
		return err
	}
	if size+int64(len(payload)) > s.opts.SizeBudget {
		s.logger.Info("persisted size over budget, sweeping before write",
			"bytes", size, "budget", s.opts.SizeBudget)
		if err := s.CleanupExpired(ctx); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, payload, message_count, last_activity)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			payload = excluded.payload,
			message_count = excluded.message_count,
			last_activity = excluded.last_activity`,
		snap.SessionID, string(payload), snap.MessageCount, snap.LastActivity,
	)
	if err != nil {
		return err
	}
	// Keep the catalogue's activity clock in step.
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		snap.LastActivity, snap.SessionID,
	)
	return err
}

// Snapshot returns the persisted message window for a session, or nil
// when it is missing or unreadable.
func (s *SQLiteStore) Snapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap domain.SessionSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		s.logger.Warn("unreadable session snapshot, treating as absent",
			"session", sessionID, "err", err)
		return nil, nil
	}
	return &snap, nil
}

// CleanupExpired removes sessions and snapshots past the maximum age
// and re-applies the catalogue bound.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.opts.MaxAge)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE last_activity < ?`, cutoff); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity < ?`, cutoff); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id NOT IN (
			SELECT session_id FROM sessions ORDER BY last_activity DESC LIMIT ?
		)`, s.opts.MaxSessions); err != nil {
		return err
	}
	// Snapshots for sessions no longer catalogued go too.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id NOT IN (SELECT session_id FROM sessions)
		 AND session_id != (SELECT COALESCE(
			(SELECT value FROM meta WHERE key = ?), ''))`,
		metaActiveSessionID)
	return err
}

// Wipe clears the entire persisted namespace.
func (s *SQLiteStore) Wipe(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM meta`,
		`DELETE FROM sessions`,
		`DELETE FROM snapshots`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) payloadSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM snapshots`).Scan(&size)
	return size, err
}
