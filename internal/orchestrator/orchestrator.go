// Package orchestrator reacts to Claude Code lifecycle hooks and keeps the
// observability backend in sync with the session transcript.
//
// Each hook invocation is a short-lived process: read the payload, load the
// session's state, do the minimum work the event calls for, write state back.
// A trace-create is buffered in state rather than pushed immediately, then
// flushed before any later event's own work, so a turn that produces no
// observations costs no request. Every buffered batch gets exactly one push
// attempt; a failed push is logged with its event count and the batch
// dropped, and the hook still exits successfully.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/langfuse"
	"github.com/pacetrace-dev/pacetrace/internal/log"
	"github.com/pacetrace-dev/pacetrace/internal/metrics"
	"github.com/pacetrace-dev/pacetrace/internal/pacing"
	"github.com/pacetrace-dev/pacetrace/internal/state"
	"github.com/pacetrace-dev/pacetrace/internal/transcript"
)

// HookPayload is the JSON envelope Claude Code writes to a hook's stdin.
// Fields beyond the common trio are populated per event type.
type HookPayload struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path"`
	Cwd            string          `json:"cwd"`
	HookEventName  string          `json:"hook_event_name"`
	Prompt         string          `json:"prompt,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse   json.RawMessage `json:"tool_response,omitempty"`

	// Sub-agent events.
	AgentID         string `json:"agent_id,omitempty"`
	AgentName       string `json:"agent_name,omitempty"`
	AgentTranscript string `json:"agent_transcript_path,omitempty"`
}

// Orchestrator wires the state store, transcript parser, and ingestion client
// together. Metrics and pacing are optional; a nil store simply skips them.
type Orchestrator struct {
	cfg      *config.Config
	store    *state.Store
	client   *langfuse.Client
	metrics  *metrics.Store
	recorder *pacing.Recorder
	logger   *log.Logger
}

// New builds an Orchestrator. metricsStore and recorder may be nil.
func New(cfg *config.Config, store *state.Store, client *langfuse.Client, metricsStore *metrics.Store, recorder *pacing.Recorder, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Discard()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		client:   client,
		metrics:  metricsStore,
		recorder: recorder,
		logger:   logger,
	}
}

// count increments a metrics counter, tolerating an absent metrics store.
func (o *Orchestrator) count(kind string, n int) {
	if o.metrics == nil || n <= 0 {
		return
	}
	if err := o.metrics.Increment(kind, n); err != nil {
		o.logger.Warn("orchestrator", "failed to record "+kind+" metric", err)
	}
}

// flushPending pushes a session's buffered batch, then clears it either way.
// Delivery is best-effort: a failed flush is logged with its event count and
// the batch dropped rather than retried on every subsequent event.
func (o *Orchestrator) flushPending(ctx context.Context, st *state.SessionState) {
	if len(st.PendingBatch) == 0 {
		return
	}
	if ok, _ := o.client.Push(ctx, st.PendingBatch); ok {
		o.count(metrics.Traces, 1)
		if st.Metadata.FirstTraceInSession {
			o.count(metrics.Sessions, 1)
			st.Metadata.FirstTraceInSession = false
		}
	} else {
		o.dropBatch(st.SessionID, len(st.PendingBatch))
	}
	st.PendingBatch = nil
}

func (o *Orchestrator) dropBatch(sessionID string, n int) {
	_ = o.logger.Append(log.Event{
		Level:     log.LevelWarn,
		Component: "orchestrator",
		Message:   "dropping buffered batch after failed push",
		SessionID: sessionID,
		Count:     n,
	})
}

// UserPromptSubmit opens a fresh trace for the turn. Any batch the previous
// turn left behind gets its one extra push first, so a trace that never saw
// a tool call or stop event still reaches the backend. The new trace-create
// itself is only buffered.
func (o *Orchestrator) UserPromptSubmit(ctx context.Context, p HookPayload) error {
	if !o.cfg.TelemetryReady() {
		return nil
	}

	prev, err := o.store.Read(p.SessionID)
	if err != nil {
		return err
	}

	first := prev == nil
	if prev != nil && len(prev.PendingBatch) > 0 {
		o.logger.Info("orchestrator", "flushing stale batch from previous turn")
		o.flushPending(ctx, prev)
	}

	lines := 0
	if n, err := transcript.LineCount(p.TranscriptPath); err == nil {
		lines = n
	}

	meta, _ := transcript.SessionMetadata(p.TranscriptPath)
	userID, _ := transcript.UserID(p.TranscriptPath)

	traceID := langfuse.NewTurnTraceID(p.SessionID)
	trace := langfuse.NewTurnTrace(p.SessionID, traceID, p.Prompt, userID, meta.Model, projectContext(p.Cwd))

	st := &state.SessionState{
		SessionID:         p.SessionID,
		TraceID:           traceID,
		LastProcessedLine: lines,
		PendingBatch:      []langfuse.Event{langfuse.NewEvent(langfuse.EventTraceCreate, traceID, trace)},
		Metadata:          state.Metadata{TraceStartLine: lines, FirstTraceInSession: first},
	}
	if prev != nil {
		st.Subagents = prev.Subagents
		st.PacingDisabled = prev.PacingDisabled
		st.LastPollTime = prev.LastPollTime
	}

	if err := o.store.Write(st); err != nil {
		return err
	}

	maxAge := o.cfg.Telemetry.StateMaxAge
	if maxAge > 0 {
		if removed, err := o.store.Cleanup(stateMaxAgeDuration(maxAge)); err == nil && len(removed) > 0 {
			o.logger.Info("orchestrator", fmt.Sprintf("pruned %d stale state files", len(removed)))
		}
	}
	return nil
}

// PostToolUse flushes the buffer, extracts transcript content since the
// cursor, and pushes one span per content block. The cursor advances even
// when the push fails: replaying those lines next time would duplicate the
// spans under fresh ids.
func (o *Orchestrator) PostToolUse(ctx context.Context, p HookPayload) error {
	if !o.cfg.TelemetryReady() {
		return nil
	}

	st, err := o.store.Read(p.SessionID)
	if err != nil {
		return err
	}
	if st == nil || st.TraceID == "" {
		o.logger.Debug("orchestrator", "tool event with no active trace, skipping")
		return nil
	}

	o.flushPending(ctx, st)

	blocks, err := transcript.ExtractBlocks(p.TranscriptPath, st.LastProcessedLine)
	if err != nil {
		o.logger.Warn("orchestrator", "failed to parse transcript", err)
		return o.store.Write(st)
	}
	if len(blocks) == 0 {
		return o.store.Write(st)
	}

	events := make([]langfuse.Event, 0, len(blocks))
	maxLine := st.LastProcessedLine
	for _, block := range blocks {
		if block.Line > maxLine {
			maxLine = block.Line
		}
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			span := langfuse.NewTextSpan(st.TraceID, block)
			events = append(events, langfuse.NewEvent(langfuse.EventSpanCreate, span.ID, span))
		case "tool_use":
			span := langfuse.NewToolSpan(st.TraceID, block)
			events = append(events, langfuse.NewEvent(langfuse.EventSpanCreate, span.ID, span))
		}
	}

	if ok, accepted := o.client.Push(ctx, events); ok {
		o.count(metrics.Spans, accepted)
	}

	st.LastProcessedLine = maxLine
	return o.store.Write(st)
}

// Stop finalizes the turn's trace: final output, token usage, and the
// generation observation go out in one batch together with anything still
// buffered. A failed push is logged and the batch dropped, not retried.
func (o *Orchestrator) Stop(ctx context.Context, p HookPayload) error {
	if !o.cfg.TelemetryReady() {
		return nil
	}

	st, err := o.store.Read(p.SessionID)
	if err != nil {
		return err
	}
	if st == nil || st.TraceID == "" {
		o.logger.Debug("orchestrator", "stop event with no active trace, skipping")
		return nil
	}

	usage, _, lastLine, err := transcript.ParseUsage(p.TranscriptPath, st.Metadata.TraceStartLine)
	if err != nil {
		o.logger.Warn("orchestrator", "failed to parse usage", err)
	}
	output, _ := transcript.LastAssistantText(p.TranscriptPath, st.Metadata.TraceStartLine)
	meta, _ := transcript.SessionMetadata(p.TranscriptPath)

	batch := append([]langfuse.Event{}, st.PendingBatch...)
	batch = append(batch, langfuse.FinalizeEvent(langfuse.FinalizeTrace(st.TraceID, output, usage)))

	generations := 0
	if gen, ok := langfuse.NewGeneration(st.TraceID, meta.Model, usage); ok {
		batch = append(batch, langfuse.NewEvent(langfuse.EventGenerationCreate, gen.ID, gen))
		generations = 1
	}

	if ok, _ := o.client.Push(ctx, batch); ok {
		if len(st.PendingBatch) > 0 {
			o.count(metrics.Traces, 1)
			if st.Metadata.FirstTraceInSession {
				o.count(metrics.Sessions, 1)
				st.Metadata.FirstTraceInSession = false
			}
		}
		o.count(metrics.Generations, generations)
	} else {
		o.dropBatch(st.SessionID, len(batch))
	}
	st.PendingBatch = nil

	if lastLine > st.LastProcessedLine {
		st.LastProcessedLine = lastLine
	}

	o.recordUsage(st, usage)
	return o.store.Write(st)
}

// SubagentStart opens a trace for a sub-agent invocation, keyed by agent id
// in the parent's state so concurrent siblings stay separate. The prompt
// comes from the parent transcript's Task tool call.
func (o *Orchestrator) SubagentStart(ctx context.Context, p HookPayload) error {
	if !o.cfg.TelemetryReady() {
		return nil
	}

	st, err := o.store.Read(p.SessionID)
	if err != nil {
		return err
	}
	if st == nil {
		o.logger.Debug("orchestrator", "subagent start with no parent state, skipping")
		return nil
	}

	o.flushPending(ctx, st)

	prompt, err := transcript.TaskPrompt(p.TranscriptPath, p.ToolUseID)
	if err != nil {
		o.logger.Warn("orchestrator", "failed to extract task prompt", err)
	}

	name := p.AgentName
	if name == "" {
		name = agentNameFromInput(p.ToolInput)
	}
	if name == "" {
		name = "agent"
	}

	traceID := langfuse.NewSubagentTraceID(p.SessionID, name)
	trace := langfuse.NewSubagentTrace(p.SessionID, traceID, name, p.AgentID, prompt)
	event := langfuse.NewEvent(langfuse.EventTraceCreate, traceID, trace)

	if ok, _ := o.client.Push(ctx, []langfuse.Event{event}); ok {
		o.count(metrics.Traces, 1)
	} else {
		// Creates are upserts: the stop-time finalize will still create the
		// trace, just without its name and input.
		o.dropBatch(p.SessionID, 1)
	}

	st.PutSubagent(p.AgentID, state.SubagentEntry{
		TraceID:          traceID,
		ParentTranscript: p.TranscriptPath,
	})
	if err := o.store.Write(st); err != nil {
		return err
	}

	// The sub-agent runs with its own session id and transcript; seed its
	// state so events from inside the agent attach to the sub-agent trace.
	if p.AgentID != "" && p.AgentID != p.SessionID {
		agentState := &state.SessionState{
			SessionID: p.AgentID,
			TraceID:   traceID,
		}
		if p.AgentTranscript != "" {
			if n, err := transcript.LineCount(p.AgentTranscript); err == nil {
				agentState.LastProcessedLine = n
				agentState.Metadata.TraceStartLine = n
			}
		}
		if err := o.store.Write(agentState); err != nil {
			o.logger.Warn("orchestrator", "failed to seed subagent state", err)
		}
	}
	return nil
}

// SubagentStop finalizes a sub-agent's trace. The agent's own transcript is
// the preferred source of its final answer; the parent transcript's Task
// result, filtered by agent id, is the fallback.
func (o *Orchestrator) SubagentStop(ctx context.Context, p HookPayload) error {
	if !o.cfg.TelemetryReady() {
		return nil
	}

	st, err := o.store.Read(p.SessionID)
	if err != nil {
		return err
	}
	if st == nil {
		o.logger.Debug("orchestrator", "subagent stop with no parent state, skipping")
		return nil
	}

	entry, ok := st.Subagent(p.AgentID)
	if !ok {
		o.logger.Debug("orchestrator", "subagent stop for unknown agent "+p.AgentID+", skipping")
		return nil
	}

	output := ""
	var usage transcript.Usage
	if p.AgentTranscript != "" {
		if text, err := transcript.LastAssistantText(p.AgentTranscript, 0); err == nil {
			output = text
		}
		if u, _, _, err := transcript.ParseUsage(p.AgentTranscript, 0); err == nil {
			usage = u
		}
	}
	if output == "" {
		parent := entry.ParentTranscript
		if parent == "" {
			parent = p.TranscriptPath
		}
		if result, err := transcript.TaskResult(parent, p.AgentID); err == nil {
			output = result
		}
	}

	batch := append([]langfuse.Event{}, st.PendingBatch...)
	batch = append(batch, langfuse.FinalizeEvent(langfuse.FinalizeTrace(entry.TraceID, output, usage)))

	if ok, _ := o.client.Push(ctx, batch); ok {
		if len(st.PendingBatch) > 0 {
			o.count(metrics.Traces, 1)
			if st.Metadata.FirstTraceInSession {
				o.count(metrics.Sessions, 1)
				st.Metadata.FirstTraceInSession = false
			}
		}
	} else {
		o.dropBatch(p.SessionID, len(batch))
	}
	st.PendingBatch = nil

	st.DeleteSubagent(p.AgentID)
	o.recordUsage(st, usage)
	if err := o.store.Write(st); err != nil {
		return err
	}

	// The agent's seeded state has served its purpose.
	if p.AgentID != "" && p.AgentID != p.SessionID {
		if agentState, err := o.store.Read(p.AgentID); err == nil && agentState != nil {
			agentState.TraceID = ""
			if err := o.store.Write(agentState); err != nil {
				o.logger.Warn("orchestrator", "failed to retire subagent state", err)
			}
		}
	}
	return nil
}

// recordUsage appends a credit-consumption snapshot. The global pacing flag
// always wins; the session's own flag can only further disable. Snapshots
// are rate-limited by the configured poll interval, tracked per session.
func (o *Orchestrator) recordUsage(st *state.SessionState, usage transcript.Usage) {
	if o.recorder == nil || !o.cfg.Pacing.Enabled || st.PacingDisabled {
		return
	}
	interval := time.Duration(o.cfg.Pacing.PollInterval) * time.Second
	if !pacing.ShouldPoll(st.LastPollTime, interval) {
		return
	}
	if err := o.recorder.Record(st.SessionID, usage); err != nil {
		o.logger.Warn("orchestrator", "failed to record usage snapshot", err)
		return
	}
	st.LastPollTime = time.Now()
}

// agentNameFromInput pulls the subagent type out of a Task tool input.
func agentNameFromInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var input struct {
		SubagentType string `json:"subagent_type"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return ""
	}
	return input.SubagentType
}

// projectContext gathers best-effort repo metadata from the working
// directory: its name, plus the branch and first remote URL when it is a git
// checkout.
func projectContext(cwd string) *langfuse.ProjectContext {
	if cwd == "" {
		return nil
	}
	pc := &langfuse.ProjectContext{Path: cwd, Name: filepath.Base(cwd)}

	if head, err := os.ReadFile(filepath.Join(cwd, ".git", "HEAD")); err == nil {
		ref := strings.TrimSpace(string(head))
		if branch, ok := strings.CutPrefix(ref, "ref: refs/heads/"); ok {
			pc.GitBranch = branch
		}
	}
	if data, err := os.ReadFile(filepath.Join(cwd, ".git", "config")); err == nil {
		pc.GitRemote = firstRemoteURL(string(data))
	}
	return pc
}

// firstRemoteURL pulls the first "url = ..." line out of a git config.
func firstRemoteURL(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if url, ok := strings.CutPrefix(line, "url = "); ok {
			return url
		}
	}
	return ""
}

func stateMaxAgeDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
