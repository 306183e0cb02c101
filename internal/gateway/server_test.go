package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"precinct/internal/agent"
	"precinct/internal/backend"
	"precinct/internal/conversation"
	"precinct/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, backendURL string) *Server {
	t.Helper()
	catalog := agent.NewCatalog(agent.DefaultAgents())
	store := conversation.New(conversation.Config{Logger: testLogger()})
	svc := agent.NewService(agent.ServiceConfig{
		Agents: catalog,
		Backend: backend.NewClient(backend.Config{
			BaseURL: backendURL,
			Logger:  testLogger(),
		}),
		Store:  store,
		Retry:  backend.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Logger: testLogger(),
	})
	return New(Config{
		Agents:  catalog,
		Service: svc,
		Logger:  testLogger(),
		Version: "test",
	})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0")
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleAgentsListsCatalogue(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0")
	rec := httptest.NewRecorder()
	s.handleAgents(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	var defs []agent.Definition
	if err := json.Unmarshal(rec.Body.Bytes(), &defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs) != len(agent.DefaultAgents()) {
		t.Errorf("expected full catalogue, got %d", len(defs))
	}
}

func TestHandleStartRunValidation(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{not json`, http.StatusBadRequest},
		{"missing message", `{"agent_id":"general"}`, http.StatusBadRequest},
		{"missing agent", `{"message":"hi"}`, http.StatusBadRequest},
		{"unknown agent", `{"agent_id":"vice","message":"hi"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(tc.body))
		s.handleStartRun(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestHandleStartRunAccepted(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"event":"RunResponse","content":"ack"}{"event":"RunCompleted"}`))
	}))
	defer backendSrv.Close()
	s := newTestServer(t, backendSrv.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"agent_id":"general","message":"check the ledger"}`))
	s.handleStartRun(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The run executes asynchronously; wait for the transcript.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := s.service.Store().Messages()
		if len(msgs) == 2 && msgs[1].Content == "ack" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never applied, messages: %+v", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleStartRunReturnsSessionIDImmediately(t *testing.T) {
	release := make(chan struct{})
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"event":"RunCompleted"}`))
	}))
	defer backendSrv.Close()
	s := newTestServer(t, backendSrv.URL)

	// Fresh store: no session exists yet and the run goroutine is
	// blocked, so the id must come from the handler itself.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"agent_id":"general","message":"first run"}`))
	s.handleStartRun(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session_id"] == "" {
		t.Fatal("accepted response carried an empty session id")
	}
	if got := s.service.Store().SessionID(); got != body["session_id"] {
		t.Errorf("response id %q does not match store id %q", body["session_id"], got)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for s.service.Active() {
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandleNewSession(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0")
	s.service.Store().AddMessage(domain.Message{ID: "m1", Role: domain.RoleUser, Content: "old"})

	rec := httptest.NewRecorder()
	s.handleNewSession(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/new", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session_id"] == "" {
		t.Error("expected a session id")
	}
	if s.service.Store().Len() != 0 {
		t.Error("old transcript should be cleared")
	}
}

func TestHandleSessionsAndMessages(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0")
	s.service.Store().SetSessionID("case-1")
	s.service.Store().SetSessionsData([]domain.Session{{ID: "case-1", Title: "pier theft"}})
	s.service.Store().AddMessage(domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hello"})

	rec := httptest.NewRecorder()
	s.handleSessions(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	var sessions struct {
		Active   string           `json:"active"`
		Sessions []domain.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if sessions.Active != "case-1" || len(sessions.Sessions) != 1 {
		t.Errorf("sessions = %+v", sessions)
	}

	rec = httptest.NewRecorder()
	s.handleMessages(rec, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	var msgs []domain.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestPublishFrameReachesSSESubscriber(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0")

	chA := s.frames.Subscribe("case-a")
	chB := s.frames.Subscribe("case-b")
	defer s.frames.Unsubscribe("case-a", chA)
	defer s.frames.Unsubscribe("case-b", chB)

	s.PublishFrame("case-a", &domain.StreamFrame{
		Event:   domain.EventRunResponse,
		Content: json.RawMessage(`"delta"`),
	})

	select {
	case data := <-chA:
		var f domain.StreamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Event != domain.EventRunResponse {
			t.Errorf("event = %s", f.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the frame")
	}

	select {
	case <-chB:
		t.Error("frame leaked to another session's client")
	default:
	}
}
