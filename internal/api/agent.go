package api

// AgentRequest is the input of the agent operation: content to send plus an
// optional session to continue and session options.
type AgentRequest struct {
	Content   string         `json:"content"`
	SessionID string         `json:"session_id,omitempty"`
	Options   SessionOptions `json:"options,omitempty"`
}

// SessionOptions configure a new interactive session.
type SessionOptions struct {
	Model            string   `json:"model,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	Cols             int      `json:"cols,omitempty"`
	Rows             int      `json:"rows,omitempty"`
}

// AgentEventType enumerates the typed events of an agent stream.
// Clients must ignore types they do not recognize.
type AgentEventType string

const (
	AgentEventSession  AgentEventType = "session"
	AgentEventContent  AgentEventType = "content"
	AgentEventToolCall AgentEventType = "tool_call"
	AgentEventWarning  AgentEventType = "warning"
	AgentEventError    AgentEventType = "error"
	AgentEventDone     AgentEventType = "done"
)

// AgentEvent is one element of an agent event stream.
type AgentEvent struct {
	Type AgentEventType `json:"type"`
	Data AgentEventData `json:"data"`
}

// AgentEventData carries the payload fields of an agent event. Unused fields
// are omitted so a done event serializes as {"type":"done","data":{}}.
type AgentEventData struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Input     string `json:"input,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionEvent builds the stream-opening event identifying the session.
func SessionEvent(id string) AgentEvent {
	return AgentEvent{Type: AgentEventSession, Data: AgentEventData{SessionID: id}}
}

// ContentEvent builds an incremental assistant text event.
func ContentEvent(delta string) AgentEvent {
	return AgentEvent{Type: AgentEventContent, Data: AgentEventData{Content: delta}}
}

// ToolCallEvent builds a tool invocation event.
func ToolCallEvent(tool, input string) AgentEvent {
	return AgentEvent{Type: AgentEventToolCall, Data: AgentEventData{Tool: tool, Input: input}}
}

// WarningEvent builds a non-fatal degradation event.
func WarningEvent(message string) AgentEvent {
	return AgentEvent{Type: AgentEventWarning, Data: AgentEventData{Message: message}}
}

// ErrorEvent builds a fatal mid-stream failure event.
func ErrorEvent(message string) AgentEvent {
	return AgentEvent{Type: AgentEventError, Data: AgentEventData{Message: message}}
}

// DoneEvent builds the terminal event of a stream.
func DoneEvent() AgentEvent {
	return AgentEvent{Type: AgentEventDone}
}
