package domain

import (
	"context"
	"time"
)

// SessionStore handles best-effort durable storage of the active
// session, the session catalogue, and per-session message snapshots.
// All reads degrade gracefully: missing or corrupt data reads as absent.
type SessionStore interface {
	SaveActiveSession(ctx context.Context, id string, createdAt time.Time) error
	ActiveSession(ctx context.Context) (id string, createdAt time.Time, err error)

	SaveCatalogue(ctx context.Context, sessions []Session) error
	Catalogue(ctx context.Context) ([]Session, error)

	SaveSnapshot(ctx context.Context, snap SessionSnapshot) error
	Snapshot(ctx context.Context, sessionID string) (*SessionSnapshot, error)

	CleanupExpired(ctx context.Context) error
	Wipe(ctx context.Context) error
	Close() error
}
