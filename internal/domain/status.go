package domain

// StreamingStatus is the transient per-stream projection the UI renders
// while a run is in flight. It is reset at the start of each stream and
// never persisted.
type StreamingStatus struct {
	Thinking           bool
	CallingTool        bool
	ToolName           string
	AccessingKnowledge bool
	Reasoning          bool
	ReasoningSteps     []ReasoningStep
	Completed          bool
	Paused             bool
	Cancelled          bool
	Model              string
	Provider           string
	CitationCount      int
	HasImages          bool
	HasVideos          bool
	HasAudio           bool
	LastError          string
}

// StatusPatch is a shallow-merge update for StreamingStatus. Nil fields
// are left untouched; set fields overwrite.
type StatusPatch struct {
	Thinking           *bool
	CallingTool        *bool
	ToolName           *string
	AccessingKnowledge *bool
	Reasoning          *bool
	ReasoningSteps     []ReasoningStep
	Completed          *bool
	Paused             *bool
	Cancelled          *bool
	Model              *string
	Provider           *string
	CitationCount      *int
	HasImages          *bool
	HasVideos          *bool
	HasAudio           *bool
	LastError          *string
}

// Apply merges the patch into the status.
func (p StatusPatch) Apply(s *StreamingStatus) {
	if p.Thinking != nil {
		s.Thinking = *p.Thinking
	}
	if p.CallingTool != nil {
		s.CallingTool = *p.CallingTool
	}
	if p.ToolName != nil {
		s.ToolName = *p.ToolName
	}
	if p.AccessingKnowledge != nil {
		s.AccessingKnowledge = *p.AccessingKnowledge
	}
	if p.Reasoning != nil {
		s.Reasoning = *p.Reasoning
	}
	if p.ReasoningSteps != nil {
		s.ReasoningSteps = p.ReasoningSteps
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
	if p.Paused != nil {
		s.Paused = *p.Paused
	}
	if p.Cancelled != nil {
		s.Cancelled = *p.Cancelled
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.Provider != nil {
		s.Provider = *p.Provider
	}
	if p.CitationCount != nil {
		s.CitationCount = *p.CitationCount
	}
	if p.HasImages != nil {
		s.HasImages = *p.HasImages
	}
	if p.HasVideos != nil {
		s.HasVideos = *p.HasVideos
	}
	if p.HasAudio != nil {
		s.HasAudio = *p.HasAudio
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
}

// Bool, Str and Int are pointer helpers for building patches.
func Bool(v bool) *bool    { return &v }
func Str(v string) *string { return &v }
func Int(v int) *int       { return &v }
