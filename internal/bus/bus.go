// Package bus fans decoded stream frames out to in-process
// subscribers. The gateway subscribes one channel per SSE connection,
// keyed by session, so frames reach only the watchers of their own
// conversation.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"

	"precinct/internal/domain"
)

const defaultBuffer = 32

// FrameBus is a Go-channel based fan-out for stream frames.
type FrameBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	buffer int
	closed bool
	logger *slog.Logger
}

// New creates a FrameBus. bufferSize is the per-subscriber channel
// depth; non-positive selects the default.
func New(bufferSize int, logger *slog.Logger) *FrameBus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameBus{
		subs:   make(map[string][]chan []byte),
		buffer: bufferSize,
		logger: logger,
	}
}

// Subscribe registers a new subscriber for the session and returns its
// delivery channel. The caller must Unsubscribe when done.
func (b *FrameBus) Subscribe(sessionID string) <-chan []byte {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch
}

// Unsubscribe removes a subscriber. Sessions with no subscribers left
// are dropped from the map.
func (b *FrameBus) Unsubscribe(sessionID string, ch <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sessionID]
	for i, c := range subs {
		if c == ch {
			b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sessionID]) == 0 {
		delete(b.subs, sessionID)
	}
}

// Publish delivers one frame to every subscriber of its session.
// Delivery never blocks: a subscriber with a full channel misses the
// frame and re-hydrates from the transcript endpoint.
func (b *FrameBus) Publish(sessionID string, f *domain.StreamFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		b.logger.Warn("undeliverable frame", "event", f.Event, "err", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- data:
		default:
			b.logger.Debug("subscriber lagging, frame dropped", "session", sessionID)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *FrameBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan []byte)
}
