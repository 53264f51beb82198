package langfuse

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pacetrace-dev/pacetrace/internal/transcript"
)

// maxTraceNameLen caps trace display names so long prompts don't clutter the
// backend UI. The raw prompt is preserved untruncated in Trace.Input.
const maxTraceNameLen = 100

const traceNamePrefix = "User prompt: "

// maxToolOutputBytes caps a single tool span's output.
const maxToolOutputBytes = 10240

// shortID returns the first 8 characters of a fresh UUID, the suffix used to
// keep observation ids unique within a trace.
func shortID() string {
	return uuid.NewString()[:8]
}

// NewTurnTraceID derives a fresh per-turn trace id for a session.
func NewTurnTraceID(sessionID string) string {
	return fmt.Sprintf("%s-turn-%s", sessionID, shortID())
}

// NewSubagentTraceID derives a trace id for a sub-agent invocation.
func NewSubagentTraceID(parentSessionID, agentName string) string {
	return fmt.Sprintf("%s-subagent-%s-%s", parentSessionID, agentName, shortID())
}

// ProjectContext is optional per-repo metadata recorded on turn traces.
type ProjectContext struct {
	Path      string
	Name      string
	GitRemote string
	GitBranch string
}

// NewTurnTrace builds the trace for one user turn. The display name is the
// user message capped at maxTraceNameLen characters (prefix included); Input
// keeps the full text.
func NewTurnTrace(sessionID, traceID, userMessage, userID, model string, project *ProjectContext) Trace {
	name := traceNamePrefix + userMessage
	if runes := []rune(name); len(runes) > maxTraceNameLen {
		name = string(runes[:maxTraceNameLen-3]) + "..."
	}

	metadata := map[string]any{}
	if project != nil {
		metadata["project_path"] = project.Path
		metadata["project_name"] = project.Name
		metadata["git_remote"] = project.GitRemote
		metadata["git_branch"] = project.GitBranch
	}
	if model != "" {
		metadata["model"] = model
	}

	if userID == "" {
		userID = "unknown"
	}

	return Trace{
		ID:        traceID,
		Name:      name,
		SessionID: sessionID,
		UserID:    userID,
		Input:     userMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  metadata,
	}
}

// NewSubagentTrace builds the trace for a sub-agent invocation. SessionID
// links it to the parent session; Input is the Task tool prompt that spawned
// the agent.
func NewSubagentTrace(parentSessionID, traceID, agentName, agentSessionID, prompt string) Trace {
	return Trace{
		ID:        traceID,
		Name:      "subagent:" + agentName,
		SessionID: parentSessionID,
		Input:     prompt,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata: map[string]any{
			"subagent_session_id": agentSessionID,
			"subagent_name":       agentName,
		},
	}
}

// NewSessionTrace builds one whole-session trace for historical backfill.
// The id derives from the session id alone, so re-running a backfill over
// the same window upserts the existing trace instead of duplicating it.
func NewSessionTrace(meta transcript.Meta, userID, output string, usage transcript.Usage, tools []string) Trace {
	if userID == "" {
		userID = "unknown"
	}
	start := meta.Timestamp
	if start == "" {
		start = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return Trace{
		ID:        "backfill-" + meta.SessionID,
		Name:      "Session " + meta.SessionID,
		SessionID: meta.SessionID,
		UserID:    userID,
		Output:    output,
		Timestamp: start,
		EndTime:   time.Now().UTC().Format(time.RFC3339Nano),
		Metadata: map[string]any{
			"backfilled":            true,
			"model":                 meta.Model,
			"input_tokens":          usage.Input,
			"output_tokens":         usage.Output,
			"cache_read_tokens":     usage.CacheRead,
			"cache_creation_tokens": usage.CacheCreation,
			"tools_used":            tools,
		},
	}
}

// FinalizeTrace builds the upsert that closes a trace: final output, end
// time, and the turn's own token counters in metadata.
func FinalizeTrace(traceID, output string, usage transcript.Usage) Trace {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return Trace{
		ID:        traceID,
		Output:    output,
		Timestamp: now,
		EndTime:   now,
		Metadata: map[string]any{
			"input_tokens":          usage.Input,
			"output_tokens":         usage.Output,
			"cache_read_tokens":     usage.CacheRead,
			"cache_creation_tokens": usage.CacheCreation,
		},
	}
}

// FinalizeEvent wraps a finalize trace body with a unique event id. The body
// id stays the trace id (upsert); the event id must be fresh or the backend
// deduplicates the update away.
func FinalizeEvent(body Trace) Event {
	return NewEvent(EventTraceCreate, fmt.Sprintf("finalize-%s-%s", body.ID, shortID()), body)
}

// NewTextSpan builds a span for one assistant text block.
func NewTextSpan(traceID string, block transcript.Block) Span {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	start := block.Timestamp
	if start == "" {
		start = now
	}
	return Span{
		ID:        fmt.Sprintf("%s-text-%d-%s", traceID, block.Line, shortID()),
		TraceID:   traceID,
		Name:      "Assistant Response",
		StartTime: start,
		EndTime:   now,
		Output:    block.Text,
		Metadata:  map[string]any{"type": "text"},
	}
}

// NewToolSpan builds a span for one tool invocation block. The tool's result,
// when already present in the transcript, is attached as output with secrets
// redacted, then capped at maxToolOutputBytes. Redaction comes first so a
// credential cannot survive the cut in partial form.
func NewToolSpan(traceID string, block transcript.Block) Span {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	start := block.Timestamp
	if start == "" {
		start = now
	}
	return Span{
		ID:        fmt.Sprintf("%s-span-%s-%s", traceID, sanitizeName(block.ToolName), shortID()),
		TraceID:   traceID,
		Name:      "Tool - " + block.ToolName,
		StartTime: start,
		EndTime:   now,
		Input:     block.ToolInput,
		Output:    truncateOutput(redactSecrets(block.ToolOutput), maxToolOutputBytes),
		Metadata:  map[string]any{"tool": block.ToolName},
	}
}

// NewGeneration builds the token-usage observation for one turn. Cache
// counters go to UsageDetails only. Returns false when the window carried no
// tokens at all: zero-cost generations are never pushed.
func NewGeneration(traceID, model string, usage transcript.Usage) (Generation, bool) {
	if usage.Total() == 0 {
		return Generation{}, false
	}

	details := map[string]int{
		"input":  usage.Input,
		"output": usage.Output,
	}
	if usage.CacheRead > 0 {
		details["cache_read_input_tokens"] = usage.CacheRead
	}
	if usage.CacheCreation > 0 {
		details["cache_creation_input_tokens"] = usage.CacheCreation
	}

	return Generation{
		ID:      fmt.Sprintf("%s-gen-%s", traceID, shortID()),
		TraceID: traceID,
		Type:    "generation",
		Name:    "claude-code-generation",
		Model:   model,
		Usage: Usage{
			Input:  usage.Input,
			Output: usage.Output,
			Total:  usage.Input + usage.Output,
		},
		UsageDetails: details,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}, true
}

// truncateOutput caps s at maxBytes, appending a size marker when cut. The
// cut point backs up to a UTF-8 boundary so the result stays valid.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n\n[TRUNCATED - original size: %d bytes]", len(s))
}

// utf8Start reports whether b is the first byte of a UTF-8 sequence.
func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

// sanitizeName lowercases a tool name for use inside an observation id.
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
