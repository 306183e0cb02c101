package domain

import "time"

// Session is a logical conversation thread, surviving restarts via the
// persistence layer. JSON tags follow the persisted catalogue shape.
type Session struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"lastActivity"`
}

// SessionSnapshot is the persisted per-session window of recent
// messages. MessageCount is the true total, which may exceed
// len(Messages) when the window was trimmed.
type SessionSnapshot struct {
	SessionID    string    `json:"sessionId"`
	Messages     []Message `json:"messages"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}
