package domain

import "encoding/json"

// EventKind is the discriminator field identifying what a stream frame
// represents. Unknown kinds are preserved but not specially interpreted.
type EventKind string

const (
	EventRunStarted            EventKind = "RunStarted"
	EventRunResponse           EventKind = "RunResponse"
	EventRunResponseContent    EventKind = "RunResponseContent"
	EventRunCompleted          EventKind = "RunCompleted"
	EventRunError              EventKind = "RunError"
	EventRunCancelled          EventKind = "RunCancelled"
	EventRunPaused             EventKind = "RunPaused"
	EventRunContinued          EventKind = "RunContinued"
	EventToolCallStarted       EventKind = "ToolCallStarted"
	EventToolCallCompleted     EventKind = "ToolCallCompleted"
	EventReasoningStarted      EventKind = "ReasoningStarted"
	EventReasoningStep         EventKind = "ReasoningStep"
	EventReasoningCompleted    EventKind = "ReasoningCompleted"
	EventAccessingKnowledge    EventKind = "AccessingKnowledge"
	EventMemoryUpdateStarted   EventKind = "MemoryUpdateStarted"
	EventMemoryUpdateCompleted EventKind = "MemoryUpdateCompleted"
)

// StreamFrame is one decoded top-level JSON object from the streaming
// response body. The content field may be a plain string or a structured
// object depending on the event kind, so it is kept raw until asked for.
type StreamFrame struct {
	Event     EventKind       `json:"event"`
	Content   json.RawMessage `json:"content,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Tools     []ToolCall      `json:"tools,omitempty"`
	Extra     *FrameExtra     `json:"extra_data,omitempty"`
	Model     string          `json:"model,omitempty"`
	Provider  string          `json:"model_provider,omitempty"`
	ErrText   string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// FrameExtra carries auxiliary payloads some backends attach to frames.
type FrameExtra struct {
	Citations      []Citation      `json:"references,omitempty"`
	ReasoningSteps []ReasoningStep `json:"reasoning_steps,omitempty"`
	HasImages      bool            `json:"has_images,omitempty"`
	HasVideos      bool            `json:"has_videos,omitempty"`
	HasAudio       bool            `json:"has_audio,omitempty"`
}

// Citation is a reference to source material the agent consulted.
type Citation struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Body string `json:"content,omitempty"`
}

// ReasoningStep is one step of an agent's reasoning trace.
type ReasoningStep struct {
	Title  string `json:"title,omitempty"`
	Action string `json:"action,omitempty"`
	Result string `json:"result,omitempty"`
}

// Text returns the authoritative textual payload for the frame.
// Exactly one field wins per event kind: error frames use the error
// field (falling back to message), everything else uses content when it
// is a JSON string. Structured content yields ok=false.
func (f *StreamFrame) Text() (text string, ok bool) {
	if f.Event == EventRunError {
		if f.ErrText != "" {
			return f.ErrText, true
		}
		return f.Message, f.Message != ""
	}
	if len(f.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(f.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// IsDelta reports whether the frame carries incremental assistant text.
func (f *StreamFrame) IsDelta() bool {
	return f.Event == EventRunResponse || f.Event == EventRunResponseContent
}

// IsTerminal reports whether the frame ends the run.
func (f *StreamFrame) IsTerminal() bool {
	switch f.Event {
	case EventRunCompleted, EventRunError, EventRunCancelled:
		return true
	}
	return false
}
