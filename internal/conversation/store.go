// Package conversation holds the authoritative in-memory message list
// for the active session, with bounded retention and the transient
// streaming status the UI renders.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"precinct/internal/domain"
	"precinct/internal/metrics"
)

const (
	// DefaultHardCap is the in-memory message ceiling. AddMessage
	// evicts oldest-first so at most this many remain.
	DefaultHardCap = 100
	// The sweep fires earlier than the hard cap and trims deeper, so
	// bulk mutations do not sweep on every call.
	defaultSweepThresholdPct = 80 // of hard cap
	defaultSweepTargetPct    = 70 // of threshold
)

const persistTimeout = 5 * time.Second

// Config tunes a Store. Zero values select defaults; Persist may be nil
// for a purely in-memory store.
type Config struct {
	HardCap        int
	SweepThreshold int
	SweepTarget    int
	Persist        domain.SessionStore
	Logger         *slog.Logger
}

// Store is the single shared mutable resource of the conversation flow.
// Mutations never return errors; persistence is strictly best-effort
// and failures never reach the caller.
type Store struct {
	mu      sync.Mutex
	logger  *slog.Logger
	persist domain.SessionStore

	hardCap        int
	sweepThreshold int
	sweepTarget    int

	sessionID      string
	sessionCreated time.Time
	sessions       []domain.Session
	messages       []domain.Message
	status         domain.StreamingStatus
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.HardCap <= 0 {
		cfg.HardCap = DefaultHardCap
	}
	if cfg.SweepThreshold <= 0 || cfg.SweepThreshold > cfg.HardCap {
		cfg.SweepThreshold = cfg.HardCap * defaultSweepThresholdPct / 100
	}
	if cfg.SweepTarget <= 0 || cfg.SweepTarget > cfg.SweepThreshold {
		cfg.SweepTarget = cfg.SweepThreshold * defaultSweepTargetPct / 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		logger:         cfg.Logger,
		persist:        cfg.Persist,
		hardCap:        cfg.HardCap,
		sweepThreshold: cfg.SweepThreshold,
		sweepTarget:    cfg.SweepTarget,
	}
}

// Messages returns a copy of the current message list.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the current message count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SetMessages replaces the full message list, then runs the retention
// sweep if the result exceeds the soft threshold.
func (s *Store) SetMessages(msgs []domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages[:0:0], msgs...)
	s.sweepLocked()
	s.mu.Unlock()
}

// UpdateMessages transforms the message list through fn, then runs the
// retention sweep if the result exceeds the soft threshold.
func (s *Store) UpdateMessages(fn func([]domain.Message) []domain.Message) {
	s.mu.Lock()
	s.messages = fn(s.messages)
	s.sweepLocked()
	s.mu.Unlock()
}

// UpdateLast mutates the most recent message in place. Used to merge
// streaming deltas and to flag a failed stream. No-op on an empty list.
func (s *Store) UpdateLast(fn func(*domain.Message)) {
	s.mu.Lock()
	if n := len(s.messages); n > 0 {
		fn(&s.messages[n-1])
	}
	s.mu.Unlock()
}

// AddMessage appends a message. If the list then exceeds the hard cap,
// the oldest messages are evicted so exactly the cap remains. Every
// successful append schedules a best-effort persistence snapshot.
func (s *Store) AddMessage(msg domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - s.hardCap; over > 0 {
		metrics.MessageEvictions.Add(int64(over))
		s.messages = append(s.messages[:0:0], s.messages[over:]...)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if snap != nil {
		go s.saveSnapshot(*snap)
	}
}

// sweepLocked trims to the sweep target once the threshold is crossed,
// keeping the most recent messages in their relative order.
func (s *Store) sweepLocked() {
	if len(s.messages) <= s.sweepThreshold {
		return
	}
	evicted := len(s.messages) - s.sweepTarget
	metrics.MessageEvictions.Add(int64(evicted))
	s.logger.Info("retention sweep",
		"before", len(s.messages),
		"after", s.sweepTarget,
	)
	s.messages = append(s.messages[:0:0], s.messages[evicted:]...)
}

// Status returns the current streaming status.
func (s *Store) Status() domain.StreamingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStreamingStatus shallow-merges the patch into the current status.
func (s *Store) SetStreamingStatus(patch domain.StatusPatch) {
	s.mu.Lock()
	patch.Apply(&s.status)
	s.mu.Unlock()
}

// ResetStreamingStatus restores every status field to its default.
// Called at the start of each stream.
func (s *Store) ResetStreamingStatus() {
	s.mu.Lock()
	s.status = domain.StreamingStatus{}
	s.mu.Unlock()
}

// SessionID returns the active session identifier.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID switches to a newly started session and persists the
// identifier with the current time as its creation timestamp, best
// effort.
func (s *Store) SetSessionID(id string) {
	s.RestoreSession(id, time.Now())
}

// RestoreSession switches the active session keeping its original
// creation timestamp, so the age-based expiry clock is not reset by a
// restart. Persisted immediately, best effort.
func (s *Store) RestoreSession(id string, createdAt time.Time) {
	s.mu.Lock()
	s.sessionID = id
	s.sessionCreated = createdAt
	s.mu.Unlock()

	if s.persist == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist.SaveActiveSession(ctx, id, createdAt); err != nil {
		s.logger.Warn("failed to persist active session", "session", id, "err", err)
		s.cleanupRetry(ctx)
	}
}

// Sessions returns the known-session catalogue.
func (s *Store) Sessions() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// SetSessionsData replaces the session catalogue, de-duplicated by
// identifier (first occurrence wins), and persists it best effort.
func (s *Store) SetSessionsData(sessions []domain.Session) {
	deduped := make([]domain.Session, 0, len(sessions))
	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.ID == "" || seen[sess.ID] {
			continue
		}
		seen[sess.ID] = true
		deduped = append(deduped, sess)
	}

	s.mu.Lock()
	s.sessions = deduped
	s.mu.Unlock()

	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist.SaveCatalogue(ctx, deduped); err != nil {
		s.logger.Warn("failed to persist session catalogue", "err", err)
		s.cleanupRetry(ctx)
	}
}

// snapshotLocked assembles the persistence payload for the active
// session, or nil when there is nothing to persist.
func (s *Store) snapshotLocked() *domain.SessionSnapshot {
	if s.persist == nil || s.sessionID == "" {
		return nil
	}
	msgs := make([]domain.Message, len(s.messages))
	copy(msgs, s.messages)
	return &domain.SessionSnapshot{
		SessionID:    s.sessionID,
		Messages:     msgs,
		LastActivity: time.Now(),
		MessageCount: len(msgs),
	}
}

func (s *Store) saveSnapshot(snap domain.SessionSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist.SaveSnapshot(ctx, snap); err != nil {
		metrics.SnapshotFailures.Inc()
		s.logger.Warn("snapshot write failed", "session", snap.SessionID, "err", err)
		s.cleanupRetry(ctx)
		return
	}
	metrics.SnapshotWrites.Inc()
}

// cleanupRetry runs an opportunistic expired-session sweep after a
// persistence failure; its own failure is swallowed too.
func (s *Store) cleanupRetry(ctx context.Context) {
	if err := s.persist.CleanupExpired(ctx); err != nil {
		s.logger.Warn("expired-session cleanup failed", "err", err)
	}
}
