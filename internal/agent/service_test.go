package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"precinct/internal/backend"
	"precinct/internal/conversation"
	"precinct/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, backendURL string) *Service {
	t.Helper()
	store := conversation.New(conversation.Config{Logger: testLogger()})
	return NewService(ServiceConfig{
		Agents: NewCatalog(DefaultAgents()),
		Backend: backend.NewClient(backend.Config{
			BaseURL: backendURL,
			Logger:  testLogger(),
		}),
		Store:  store,
		Retry:  backend.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		UserID: "detective-7",
		Logger: testLogger(),
	})
}

func frameServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, f := range frames {
			w.Write([]byte(f))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamResponseAppliesFrames(t *testing.T) {
	srv := frameServer(t,
		`{"event":"RunStarted","model":"sherlock-7","model_provider":"precinct"}`,
		`{"event":"RunResponse","content":"Hel"}`,
		`{"event":"ToolCallStarted","tools":[{"id":"t1","name":"records_lookup"}]}`,
		`{"event":"ToolCallCompleted","tools":[{"id":"t1","name":"records_lookup","result":"3 hits"}]}`,
		`{"event":"RunResponse","content":"lo"}`,
		`{"event":"RunCompleted"}`,
	)
	svc := newTestService(t, srv.URL)

	var observed []domain.EventKind
	svc.onFrame = func(sessionID string, f *domain.StreamFrame) {
		observed = append(observed, f.Event)
	}

	if err := svc.StreamResponse(context.Background(), "general", "pull the records", nil); err != nil {
		t.Fatalf("stream: %v", err)
	}

	msgs := svc.Store().Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user + agent messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "pull the records" {
		t.Errorf("user message wrong: %+v", msgs[0])
	}
	agentMsg := msgs[1]
	if agentMsg.Role != domain.RoleAgent || agentMsg.Content != "Hello" {
		t.Errorf("agent message wrong: role=%s content=%q", agentMsg.Role, agentMsg.Content)
	}
	if len(agentMsg.ToolCalls) != 1 {
		t.Fatalf("expected one merged tool call, got %d", len(agentMsg.ToolCalls))
	}
	if tc := agentMsg.ToolCalls[0]; tc.Name != "records_lookup" || tc.Result != "3 hits" {
		t.Errorf("tool call not merged by id: %+v", tc)
	}

	st := svc.Store().Status()
	if !st.Completed || st.Thinking || st.CallingTool {
		t.Errorf("terminal status wrong: %+v", st)
	}
	if st.Model != "sherlock-7" || st.Provider != "precinct" {
		t.Errorf("model identity lost: %+v", st)
	}

	if len(observed) != 6 {
		t.Errorf("frame observer saw %d frames, want 6", len(observed))
	}

	sessions := svc.Store().Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected session catalogued, got %d", len(sessions))
	}
	if sessions[0].Title != "pull the records" {
		t.Errorf("session title = %q", sessions[0].Title)
	}
	if svc.Store().SessionID() == "" {
		t.Error("session id should have been assigned")
	}
}

func TestStreamResponseRunErrorFlagsMessage(t *testing.T) {
	srv := frameServer(t,
		`{"event":"RunResponse","content":"partial"}`,
		`{"event":"RunError","error":"model overloaded"}`,
	)
	svc := newTestService(t, srv.URL)

	// A RunError frame is an in-band failure report; the transport
	// itself still closed cleanly.
	if err := svc.StreamResponse(context.Background(), "general", "check this", nil); err != nil {
		t.Fatalf("stream: %v", err)
	}

	msgs := svc.Store().Messages()
	if !msgs[len(msgs)-1].StreamError {
		t.Error("agent message should be flagged after RunError")
	}
	if got := svc.Store().Status().LastError; got != "model overloaded" {
		t.Errorf("LastError = %q", got)
	}
}

func TestStreamResponseTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such agent", http.StatusNotFound)
	}))
	defer srv.Close()
	svc := newTestService(t, srv.URL)

	err := svc.StreamResponse(context.Background(), "general", "hello", nil)
	if err == nil {
		t.Fatal("expected transport failure to surface")
	}
	var se *backend.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected 404 status error, got %v", err)
	}

	msgs := svc.Store().Messages()
	if !msgs[len(msgs)-1].StreamError {
		t.Error("placeholder should be flagged on transport failure")
	}
	if svc.Active() {
		t.Error("service must release the active flag after failure")
	}
}

func TestStreamResponseRejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"event":"RunStarted"}`))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		w.Write([]byte(`{"event":"RunCompleted"}`))
	}))
	defer srv.Close()
	svc := newTestService(t, srv.URL)

	done := make(chan error, 1)
	go func() {
		done <- svc.StreamResponse(context.Background(), "general", "long run", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !svc.Active() {
		if time.Now().After(deadline) {
			t.Fatal("first stream never became active")
		}
		time.Sleep(time.Millisecond)
	}

	if err := svc.StreamResponse(context.Background(), "general", "second", nil); !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first stream: %v", err)
	}
	if svc.Active() {
		t.Error("active flag stuck after completion")
	}
}

func TestStreamResponseUnknownAgent(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:0")
	err := svc.StreamResponse(context.Background(), "vice", "hello", nil)
	if err == nil {
		t.Fatal("expected unknown-agent error")
	}
	if svc.Active() {
		t.Error("active flag stuck after agent lookup failure")
	}
	if svc.Store().Len() != 0 {
		t.Error("no messages should be appended for an unknown agent")
	}
}

func TestNewSessionResetsState(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:0")
	svc.Store().AddMessage(domain.Message{ID: "m1", Role: domain.RoleUser, Content: "old"})
	svc.Store().SetSessionID("old-session")
	svc.Store().SetStreamingStatus(domain.StatusPatch{Thinking: domain.Bool(true)})

	id := svc.NewSession()
	if id == "" || id == "old-session" {
		t.Fatalf("expected fresh session id, got %q", id)
	}
	if svc.Store().Len() != 0 {
		t.Error("messages should be cleared")
	}
	if svc.Store().Status().Thinking {
		t.Error("status should be reset")
	}
	if svc.Store().SessionID() != id {
		t.Error("store should carry the new session id")
	}
}

func TestApplyFrameReasoningAndLifecycle(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:0")
	store := svc.Store()

	svc.applyFrame(&domain.StreamFrame{Event: domain.EventReasoningStarted})
	if !store.Status().Reasoning {
		t.Error("reasoning should be on")
	}

	svc.applyFrame(&domain.StreamFrame{
		Event: domain.EventReasoningStep,
		Extra: &domain.FrameExtra{ReasoningSteps: []domain.ReasoningStep{{Title: "cross-reference plates"}}},
	})
	svc.applyFrame(&domain.StreamFrame{
		Event:   domain.EventReasoningStep,
		Content: json.RawMessage(`"check alibi timeline"`),
	})
	steps := store.Status().ReasoningSteps
	if len(steps) != 2 || steps[0].Title != "cross-reference plates" || steps[1].Title != "check alibi timeline" {
		t.Errorf("reasoning steps wrong: %+v", steps)
	}

	svc.applyFrame(&domain.StreamFrame{Event: domain.EventReasoningCompleted})
	if store.Status().Reasoning {
		t.Error("reasoning should be off")
	}

	svc.applyFrame(&domain.StreamFrame{Event: domain.EventAccessingKnowledge})
	if !store.Status().AccessingKnowledge {
		t.Error("knowledge access should be on")
	}

	svc.applyFrame(&domain.StreamFrame{Event: domain.EventRunPaused})
	if !store.Status().Paused {
		t.Error("paused should be on")
	}
	svc.applyFrame(&domain.StreamFrame{Event: domain.EventRunContinued})
	if store.Status().Paused {
		t.Error("paused should be off")
	}

	svc.applyFrame(&domain.StreamFrame{Event: domain.EventRunCancelled})
	if st := store.Status(); !st.Cancelled || st.Thinking {
		t.Errorf("cancel status wrong: %+v", st)
	}
}

func TestApplyFrameMediaFlags(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:0")
	svc.Store().AddMessage(domain.Message{ID: "a1", Role: domain.RoleAgent})

	svc.applyFrame(&domain.StreamFrame{
		Event:   domain.EventRunResponseContent,
		Content: json.RawMessage(`"see attached"`),
		Extra: &domain.FrameExtra{
			Citations: []domain.Citation{{Name: "case file 88"}},
			HasImages: true,
		},
	})
	st := svc.Store().Status()
	if st.CitationCount != 1 || !st.HasImages {
		t.Errorf("extra payload lost: %+v", st)
	}
	if got := svc.Store().Messages()[0].Content; got != "see attached" {
		t.Errorf("content delta lost: %q", got)
	}
}

func TestResumeSessionRestoresState(t *testing.T) {
	persist := &stubPersist{
		activeID: "case-5",
		catalogue: []domain.Session{
			{ID: "case-5", Title: "warehouse arson"},
		},
		snapshot: &domain.SessionSnapshot{
			SessionID: "case-5",
			Messages: []domain.Message{
				{ID: "m1", Role: domain.RoleUser, Content: "who signed the lease"},
				{ID: "m2", Role: domain.RoleAgent, Content: "Pulling registry records."},
			},
			MessageCount: 2,
		},
	}
	store := conversation.New(conversation.Config{Logger: testLogger()})
	svc := NewService(ServiceConfig{
		Agents:  NewCatalog(DefaultAgents()),
		Store:   store,
		Persist: persist,
		Logger:  testLogger(),
	})

	if err := svc.ResumeSession(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if store.SessionID() != "case-5" {
		t.Errorf("session id = %q", store.SessionID())
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 restored messages, got %d", store.Len())
	}
	if sessions := store.Sessions(); len(sessions) != 1 || sessions[0].Title != "warehouse arson" {
		t.Errorf("catalogue not restored: %+v", sessions)
	}
}

func TestResumeSessionKeepsExpiryClock(t *testing.T) {
	created := time.Now().Add(-6 * 24 * time.Hour)
	persist := &stubPersist{activeID: "case-old", activeCreated: created}
	store := conversation.New(conversation.Config{
		Persist: persist,
		Logger:  testLogger(),
	})
	svc := NewService(ServiceConfig{
		Agents:  NewCatalog(DefaultAgents()),
		Store:   store,
		Persist: persist,
		Logger:  testLogger(),
	})

	if err := svc.ResumeSession(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// The re-persisted record must carry the original creation time;
	// rewriting it to now would restart the age-based expiry on every
	// launch.
	if !persist.activeCreated.Equal(created) {
		t.Errorf("resume rewrote the session creation time: persisted %v, original %v",
			persist.activeCreated, created)
	}
}

func TestResumeSessionNothingPersisted(t *testing.T) {
	store := conversation.New(conversation.Config{Logger: testLogger()})
	svc := NewService(ServiceConfig{
		Agents:  NewCatalog(DefaultAgents()),
		Store:   store,
		Persist: &stubPersist{},
		Logger:  testLogger(),
	})
	if err := svc.ResumeSession(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if store.SessionID() != "" || store.Len() != 0 {
		t.Error("empty persistence must leave the store untouched")
	}
}

func TestSessionTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "New session"},
		{"   ", "New session"},
		{"short question", "short question"},
		{"first line\nsecond line", "first line"},
		{
			"compare the forensic reports from the warehouse fire with the earlier arson cases",
			"compare the forensic reports from the warehouse fire with...",
		},
		{
			// No space to break on; truncates at exactly 60 runes even
			// though that is past byte offset 60.
			strings.Repeat("é", 70),
			strings.Repeat("é", 60) + "...",
		},
	}
	for _, tc := range cases {
		got := sessionTitle(tc.in)
		if got != tc.want {
			t.Errorf("sessionTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("sessionTitle(%q) produced invalid UTF-8: %q", tc.in, got)
		}
	}
}

func TestSessionTitleNeverSplitsRunes(t *testing.T) {
	// The leading ASCII byte puts byte offset 60 in the middle of a
	// two-byte rune; byte-based truncation would emit invalid UTF-8.
	in := "x" + strings.Repeat("é", 70)
	got := sessionTitle(in)
	if !utf8.ValidString(got) {
		t.Fatalf("title is not valid UTF-8: %q", got)
	}
	if want := "x" + strings.Repeat("é", 59) + "..."; got != want {
		t.Errorf("title = %q, want %q", got, want)
	}
}

func TestMergeToolCalls(t *testing.T) {
	existing := []domain.ToolCall{
		{ID: "t1", Name: "records_lookup"},
		{ID: "t2", Name: "plate_scan"},
	}
	merged := mergeToolCalls(existing, []domain.ToolCall{
		{ID: "t1", Name: "records_lookup", Result: "done"},
		{ID: "t3", Name: "geo_trace"},
		{Name: "anonymous"},
	})
	if len(merged) != 4 {
		t.Fatalf("expected 4 calls, got %d", len(merged))
	}
	if merged[0].Result != "done" {
		t.Error("existing call not updated in place")
	}
	if merged[2].ID != "t3" || merged[3].Name != "anonymous" {
		t.Errorf("append order wrong: %+v", merged)
	}
}

func TestCatalogLookup(t *testing.T) {
	c := NewCatalog([]Definition{
		{ID: "a", Name: "First"},
		{ID: "a", Name: "Duplicate"},
		{ID: "", Name: "Anonymous"},
		{ID: "b", Name: "Second"},
	})
	if got := len(c.List()); got != 2 {
		t.Fatalf("expected 2 agents after dedupe, got %d", got)
	}
	d, err := c.Get("a")
	if err != nil || d.Name != "First" {
		t.Errorf("first definition must win: %+v err=%v", d, err)
	}
	if _, err := c.Get("missing"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

// stubPersist is a minimal in-memory SessionStore for resume tests.
type stubPersist struct {
	activeID      string
	activeCreated time.Time
	catalogue     []domain.Session
	snapshot      *domain.SessionSnapshot
}

func (s *stubPersist) SaveActiveSession(ctx context.Context, id string, createdAt time.Time) error {
	s.activeID = id
	s.activeCreated = createdAt
	return nil
}

func (s *stubPersist) ActiveSession(ctx context.Context) (string, time.Time, error) {
	return s.activeID, s.activeCreated, nil
}

func (s *stubPersist) SaveCatalogue(ctx context.Context, sessions []domain.Session) error {
	s.catalogue = append([]domain.Session(nil), sessions...)
	return nil
}

func (s *stubPersist) Catalogue(ctx context.Context) ([]domain.Session, error) {
	return s.catalogue, nil
}

func (s *stubPersist) SaveSnapshot(ctx context.Context, snap domain.SessionSnapshot) error {
	s.snapshot = &snap
	return nil
}

func (s *stubPersist) Snapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	if s.snapshot != nil && s.snapshot.SessionID == sessionID {
		return s.snapshot, nil
	}
	return nil, nil
}

func (s *stubPersist) CleanupExpired(ctx context.Context) error { return nil }
func (s *stubPersist) Wipe(ctx context.Context) error           { return nil }
func (s *stubPersist) Close() error                             { return nil }
