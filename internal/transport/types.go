package transport

// Event types delivered to a StreamCallback.
const (
	EventOpen        = "open"
	EventMessage     = "message"
	EventDone        = "done"
	EventInterrupted = "interrupted"
)

// GenerateRequest identifies one generation run.
type GenerateRequest struct {
	AppID    string
	Message  string
	RunID    string
	ModelKey string
}

// StreamEvent represents a parsed event from the SSE stream.
type StreamEvent struct {
	Type string // "open", "message", "done", "interrupted"
	ID   string // SSE id field, if any
	Data string // Raw data payload; for "message" events this is the {"d": ...} envelope
}

// StopRequest is the body of the stop endpoint.
type StopRequest struct {
	RunID string `json:"runId"`
}
