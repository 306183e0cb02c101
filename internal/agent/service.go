package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"precinct/internal/backend"
	"precinct/internal/conversation"
	"precinct/internal/domain"
	"precinct/internal/stream"
)

// ErrStreamActive is returned when a stream is started while another is
// in flight for this service. Callers retry after the active run ends.
var ErrStreamActive = errors.New("a stream is already active for this session")

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	Agents        *Catalog
	Backend       *backend.Client
	Store         *conversation.Store
	Persist       domain.SessionStore // optional, for session resume
	Retry         backend.RetryPolicy
	StreamTimeout time.Duration
	UserID        string
	Logger        *slog.Logger
	// OnFrame, when set, observes every applied frame (the gateway
	// relays them over SSE).
	OnFrame func(sessionID string, f *domain.StreamFrame)
}

// Service drives streaming runs for one user session. Each instance
// owns its own session and user identifiers; nothing is shared
// process-wide, so independent services cannot interfere.
type Service struct {
	agents  *Catalog
	backend *backend.Client
	store   *conversation.Store
	persist domain.SessionStore
	retry   backend.RetryPolicy
	timeout time.Duration
	userID  string
	logger  *slog.Logger
	onFrame func(sessionID string, f *domain.StreamFrame)
	active  atomic.Bool
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = backend.DefaultRetryPolicy(cfg.Logger)
	}
	return &Service{
		agents:  cfg.Agents,
		backend: cfg.Backend,
		store:   cfg.Store,
		persist: cfg.Persist,
		retry:   cfg.Retry,
		timeout: cfg.StreamTimeout,
		userID:  cfg.UserID,
		logger:  cfg.Logger,
		onFrame: cfg.OnFrame,
	}
}

// Active reports whether a stream is currently in flight.
func (s *Service) Active() bool { return s.active.Load() }

// Store exposes the conversation store for rendering layers.
func (s *Service) Store() *conversation.Store { return s.store }

// ResumeSession restores the persisted active session and its recent
// messages into the conversation store. Absent or expired state leaves
// the store untouched.
func (s *Service) ResumeSession(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	id, createdAt, err := s.persist.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if id == "" {
		return nil
	}
	s.store.RestoreSession(id, createdAt)

	if catalogue, err := s.persist.Catalogue(ctx); err == nil && len(catalogue) > 0 {
		s.store.SetSessionsData(catalogue)
	}

	snap, err := s.persist.Snapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("load session snapshot: %w", err)
	}
	if snap != nil {
		s.store.SetMessages(snap.Messages)
	}
	s.logger.Info("session resumed", "session", id, "messages", s.store.Len())
	return nil
}

// NewSession abandons the current session and starts a fresh one.
func (s *Service) NewSession() string {
	id := uuid.NewString()
	s.store.SetMessages(nil)
	s.store.ResetStreamingStatus()
	s.store.SetSessionID(id)
	return id
}

// StreamResponse sends the user input to the named agent and applies
// the resulting frame stream to the conversation store. It blocks until
// the stream terminates and returns the stream error, if any. Only one
// stream may be in flight per service; concurrent starts are rejected
// with ErrStreamActive.
func (s *Service) StreamResponse(ctx context.Context, agentID, input string, files []backend.FileUpload) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrStreamActive
	}
	defer s.active.Store(false)

	def, err := s.agents.Get(agentID)
	if err != nil {
		return err
	}

	sessionID := s.store.SessionID()
	if sessionID == "" {
		sessionID = uuid.NewString()
		s.store.SetSessionID(sessionID)
	}

	attachments := make([]domain.Attachment, 0, len(files))
	for _, f := range files {
		attachments = append(attachments, domain.Attachment{
			Name:     f.Name,
			Size:     int64(len(f.Data)),
			MimeType: f.MimeType,
		})
	}
	s.store.AddMessage(domain.Message{
		ID:          uuid.NewString(),
		Role:        domain.RoleUser,
		Content:     input,
		CreatedAt:   time.Now(),
		Attachments: attachments,
	})
	// Placeholder the deltas merge into.
	s.store.AddMessage(domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAgent,
		CreatedAt: time.Now(),
	})
	s.store.ResetStreamingStatus()
	s.store.SetStreamingStatus(domain.StatusPatch{
		Thinking: domain.Bool(true),
		Model:    domain.Str(def.Model),
		Provider: domain.Str(def.Provider),
	})

	run := backend.RunRequest{
		Endpoint:  def.Endpoint,
		Message:   input,
		SessionID: sessionID,
		UserID:    s.userID,
		Files:     files,
	}
	open := func(ctx context.Context) (io.ReadCloser, error) {
		var body io.ReadCloser
		err := s.retry.Do(ctx, func() error {
			b, err := s.backend.OpenStream(ctx, run)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
		return body, err
	}

	var streamErr error
	controller := stream.NewController(s.logger, s.timeout)
	controller.Run(ctx, open, stream.Callbacks{
		OnFrame: func(f *domain.StreamFrame) {
			s.applyFrame(f)
			if s.onFrame != nil {
				s.onFrame(sessionID, f)
			}
		},
		OnError: func(err error) {
			streamErr = err
			s.store.UpdateLast(func(m *domain.Message) { m.StreamError = true })
			s.store.SetStreamingStatus(domain.StatusPatch{
				Thinking:  domain.Bool(false),
				LastError: domain.Str(err.Error()),
			})
		},
		OnComplete: func() {
			s.store.SetStreamingStatus(domain.StatusPatch{
				Thinking:  domain.Bool(false),
				Completed: domain.Bool(true),
			})
		},
	})

	s.touchCatalogue(sessionID, input)
	return streamErr
}

// applyFrame folds one frame into the conversation store.
func (s *Service) applyFrame(f *domain.StreamFrame) {
	switch f.Event {
	case domain.EventRunStarted:
		patch := domain.StatusPatch{Thinking: domain.Bool(true)}
		if f.Model != "" {
			patch.Model = domain.Str(f.Model)
		}
		if f.Provider != "" {
			patch.Provider = domain.Str(f.Provider)
		}
		s.store.SetStreamingStatus(patch)

	case domain.EventRunResponse, domain.EventRunResponseContent:
		if delta, ok := f.Text(); ok && delta != "" {
			s.store.UpdateLast(func(m *domain.Message) { m.Content += delta })
		}
		patch := domain.StatusPatch{Thinking: domain.Bool(false)}
		if f.Extra != nil {
			if n := len(f.Extra.Citations); n > 0 {
				patch.CitationCount = domain.Int(n)
			}
			if f.Extra.HasImages {
				patch.HasImages = domain.Bool(true)
			}
			if f.Extra.HasVideos {
				patch.HasVideos = domain.Bool(true)
			}
			if f.Extra.HasAudio {
				patch.HasAudio = domain.Bool(true)
			}
		}
		s.store.SetStreamingStatus(patch)

	case domain.EventToolCallStarted:
		patch := domain.StatusPatch{CallingTool: domain.Bool(true)}
		if len(f.Tools) > 0 {
			patch.ToolName = domain.Str(f.Tools[len(f.Tools)-1].Name)
			tools := f.Tools
			s.store.UpdateLast(func(m *domain.Message) {
				m.ToolCalls = mergeToolCalls(m.ToolCalls, tools)
			})
		}
		s.store.SetStreamingStatus(patch)

	case domain.EventToolCallCompleted:
		if len(f.Tools) > 0 {
			tools := f.Tools
			s.store.UpdateLast(func(m *domain.Message) {
				m.ToolCalls = mergeToolCalls(m.ToolCalls, tools)
			})
		}
		s.store.SetStreamingStatus(domain.StatusPatch{
			CallingTool: domain.Bool(false),
			ToolName:    domain.Str(""),
		})

	case domain.EventReasoningStarted:
		s.store.SetStreamingStatus(domain.StatusPatch{Reasoning: domain.Bool(true)})

	case domain.EventReasoningStep:
		steps := s.store.Status().ReasoningSteps
		if f.Extra != nil && len(f.Extra.ReasoningSteps) > 0 {
			steps = append(steps, f.Extra.ReasoningSteps...)
		} else if text, ok := f.Text(); ok && text != "" {
			steps = append(steps, domain.ReasoningStep{Title: text})
		}
		s.store.SetStreamingStatus(domain.StatusPatch{
			Reasoning:      domain.Bool(true),
			ReasoningSteps: steps,
		})

	case domain.EventReasoningCompleted:
		s.store.SetStreamingStatus(domain.StatusPatch{Reasoning: domain.Bool(false)})

	case domain.EventAccessingKnowledge:
		s.store.SetStreamingStatus(domain.StatusPatch{AccessingKnowledge: domain.Bool(true)})

	case domain.EventRunCompleted:
		s.store.SetStreamingStatus(domain.StatusPatch{
			Thinking:           domain.Bool(false),
			CallingTool:        domain.Bool(false),
			AccessingKnowledge: domain.Bool(false),
			Reasoning:          domain.Bool(false),
			Completed:          domain.Bool(true),
		})

	case domain.EventRunError:
		text, _ := f.Text()
		s.store.UpdateLast(func(m *domain.Message) { m.StreamError = true })
		s.store.SetStreamingStatus(domain.StatusPatch{
			Thinking:  domain.Bool(false),
			LastError: domain.Str(text),
		})

	case domain.EventRunCancelled:
		s.store.SetStreamingStatus(domain.StatusPatch{
			Thinking:  domain.Bool(false),
			Cancelled: domain.Bool(true),
		})

	case domain.EventRunPaused:
		s.store.SetStreamingStatus(domain.StatusPatch{Paused: domain.Bool(true)})

	case domain.EventRunContinued:
		s.store.SetStreamingStatus(domain.StatusPatch{Paused: domain.Bool(false)})

	case domain.EventMemoryUpdateStarted, domain.EventMemoryUpdateCompleted:
		// Backend housekeeping; nothing to render.

	default:
		// Unknown kinds are preserved in the transcript flow but not
		// specially interpreted.
		s.logger.Debug("unhandled stream event", "event", f.Event)
	}
}

// mergeToolCalls updates existing records by id and appends new ones,
// keeping arrival order.
func mergeToolCalls(existing, incoming []domain.ToolCall) []domain.ToolCall {
	for _, tc := range incoming {
		replaced := false
		if tc.ID != "" {
			for i := range existing {
				if existing[i].ID == tc.ID {
					existing[i] = tc
					replaced = true
					break
				}
			}
		}
		if !replaced {
			existing = append(existing, tc)
		}
	}
	return existing
}

// touchCatalogue upserts the active session into the catalogue with a
// fresh activity timestamp, titling it from the first user message.
func (s *Service) touchCatalogue(sessionID, firstInput string) {
	now := time.Now()
	sessions := s.store.Sessions()
	found := false
	for i := range sessions {
		if sessions[i].ID == sessionID {
			sessions[i].LastActivity = now
			if sessions[i].Title == "" {
				sessions[i].Title = sessionTitle(firstInput)
			}
			found = true
			break
		}
	}
	if !found {
		sessions = append(sessions, domain.Session{
			ID:           sessionID,
			Title:        sessionTitle(firstInput),
			CreatedAt:    now,
			LastActivity: now,
		})
	}
	s.store.SetSessionsData(sessions)
}

// sessionTitle derives a human title from the first user message.
// Truncation counts runes, not bytes, so accented input is never cut
// mid-sequence.
func sessionTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New session"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if utf8.RuneCountInString(msg) > 60 {
		head := string([]rune(msg)[:60])
		if cut := strings.LastIndex(head, " "); cut >= 20 {
			head = head[:cut]
		}
		msg = head + "..."
	}
	return msg
}
