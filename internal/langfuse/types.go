// Package langfuse builds and pushes observation batches for the Langfuse
// ingestion API.
package langfuse

import "time"

// Ingestion event types. The backend treats create events as upserts, so
// re-sending an event with the same body id updates the existing record.
const (
	EventTraceCreate      = "trace-create"
	EventSpanCreate       = "span-create"
	EventGenerationCreate = "generation-create"
)

// Event is one item of an ingestion batch. ID and Timestamp identify the
// event itself; the observation being written lives in Body.
type Event struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Body      any    `json:"body"`
}

// Trace is the top-level unit of work: one user turn or one sub-agent
// invocation. Linked to its session via SessionID.
type Trace struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	EndTime   string         `json:"endTime,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Span is a child observation within a trace: a single assistant text
// response or tool call.
type Span struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"traceId"`
	Name      string         `json:"name"`
	StartTime string         `json:"startTime,omitempty"`
	EndTime   string         `json:"endTime,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Usage carries the cost-bearing token counters. Cache counters are
// deliberately excluded here: they ride in Generation.UsageDetails so they
// never dilute the billed input/output totals.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Generation is a child observation carrying token usage for one turn.
type Generation struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"traceId"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Model        string         `json:"model,omitempty"`
	Usage        Usage          `json:"usage"`
	UsageDetails map[string]int `json:"usageDetails,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
}

// NewEvent wraps an observation body into a batch event stamped with now.
func NewEvent(eventType, id string, body any) Event {
	return Event{
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Body:      body,
	}
}
