package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/langfuse"
	"github.com/pacetrace-dev/pacetrace/internal/metrics"
	"github.com/pacetrace-dev/pacetrace/internal/pacing"
	"github.com/pacetrace-dev/pacetrace/internal/state"
)

// backend is a fake ingestion endpoint recording every batch it accepts.
type backend struct {
	srv *httptest.Server

	mu      sync.Mutex
	fail    bool
	batches [][]map[string]any
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var req struct {
		Batch []map[string]any `json:"batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.batches = append(b.batches, req.Batch)

	successes := make([]map[string]any, len(req.Batch))
	for i, item := range req.Batch {
		successes[i] = map[string]any{"id": item["id"], "status": 201}
	}
	w.WriteHeader(http.StatusMultiStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"successes": successes, "errors": []any{}})
}

func (b *backend) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *backend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *backend) batch(i int) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches[i]
}

type fixture struct {
	orch       *Orchestrator
	store      *state.Store
	backend    *backend
	transcript string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	b := newBackend(t)

	cfg := config.DefaultConfig(dir)
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.BaseURL = b.srv.URL
	cfg.Telemetry.PublicKey = "pk"
	cfg.Telemetry.SecretKey = "sk"
	cfg.Pacing.Enabled = false

	store, err := state.NewStore(cfg.Telemetry.StateDir, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	client := langfuse.NewClient(b.srv.URL, "pk", "sk", 5*time.Second, nil)

	return &fixture{
		orch:       New(cfg, store, client, nil, nil, nil),
		store:      store,
		backend:    b,
		transcript: filepath.Join(dir, "transcript.jsonl"),
	}
}

func (f *fixture) appendLines(t *testing.T, lines ...string) {
	t.Helper()
	file, err := os.OpenFile(f.transcript, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	for _, line := range lines {
		if _, err := file.WriteString(line + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) payload(sessionID string) HookPayload {
	return HookPayload{SessionID: sessionID, TranscriptPath: f.transcript}
}

const userLine = `{"type":"user","sessionId":"sess-1","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":"hi"}}`

const assistantTextLine = `{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:01Z","message":{"role":"assistant","model":"claude-test","content":[{"type":"text","text":"hello there"}],"usage":{"input_tokens":10,"output_tokens":5}}}`

const assistantToolLine = `{"type":"assistant","uuid":"a2","timestamp":"2026-01-01T00:00:02Z","message":{"role":"assistant","model":"claude-test","content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}],"usage":{"input_tokens":12,"output_tokens":3}}}`

const toolResultLine = `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"file.txt"}]}}`

func TestUserPromptSubmitBuffersTraceCreate(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "list the files"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatalf("UserPromptSubmit failed: %v", err)
	}

	if n := f.backend.requestCount(); n != 0 {
		t.Errorf("trace-create should be buffered, not pushed; saw %d requests", n)
	}

	st, err := f.store.Read("sess-1")
	if err != nil || st == nil {
		t.Fatalf("expected state after prompt, got %+v err %v", st, err)
	}
	if len(st.PendingBatch) != 1 || st.PendingBatch[0].Type != langfuse.EventTraceCreate {
		t.Errorf("pending batch = %+v, want one trace-create", st.PendingBatch)
	}
	if st.Metadata.TraceStartLine != 1 || st.LastProcessedLine != 1 {
		t.Errorf("cursor mismatch: start=%d last=%d, want 1/1", st.Metadata.TraceStartLine, st.LastProcessedLine)
	}
	if !st.Metadata.FirstTraceInSession {
		t.Error("first trace of a fresh session should be marked as such")
	}
}

func TestPostToolUseFlushesThenPushesSpans(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "list the files"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, assistantTextLine, assistantToolLine, toolResultLine)
	if err := f.orch.PostToolUse(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatalf("PostToolUse failed: %v", err)
	}

	if n := f.backend.requestCount(); n != 2 {
		t.Fatalf("want flush request + span request, got %d requests", n)
	}
	if flush := f.backend.batch(0); len(flush) != 1 || flush[0]["type"] != langfuse.EventTraceCreate {
		t.Errorf("first request should flush the buffered trace-create, got %+v", flush)
	}
	spans := f.backend.batch(1)
	if len(spans) != 2 {
		t.Fatalf("want text span + tool span, got %d events", len(spans))
	}
	for _, ev := range spans {
		if ev["type"] != langfuse.EventSpanCreate {
			t.Errorf("event type = %v, want span-create", ev["type"])
		}
	}

	st, _ := f.store.Read("sess-1")
	if len(st.PendingBatch) != 0 {
		t.Errorf("pending batch should be clear after flush, got %d events", len(st.PendingBatch))
	}
	if st.LastProcessedLine != 3 {
		t.Errorf("cursor = %d, want 3", st.LastProcessedLine)
	}

	// Same event again: the cursor already covers these lines, so nothing
	// new goes out.
	if err := f.orch.PostToolUse(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}
	if n := f.backend.requestCount(); n != 2 {
		t.Errorf("replay produced %d extra requests, want 0", n-2)
	}
}

func TestStopFinalizesInOneBatch(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "say hello"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, assistantTextLine)
	if err := f.orch.Stop(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if n := f.backend.requestCount(); n != 1 {
		t.Fatalf("finalize should go out in one batch, got %d requests", n)
	}
	batch := f.backend.batch(0)
	if len(batch) != 3 {
		t.Fatalf("want trace-create + finalize + generation, got %d events", len(batch))
	}
	if batch[0]["type"] != langfuse.EventTraceCreate || batch[1]["type"] != langfuse.EventTraceCreate {
		t.Errorf("first two events should be trace upserts, got %v / %v", batch[0]["type"], batch[1]["type"])
	}
	if batch[2]["type"] != langfuse.EventGenerationCreate {
		t.Errorf("last event type = %v, want generation-create", batch[2]["type"])
	}

	body, _ := batch[1]["body"].(map[string]any)
	if body["output"] != "hello there" {
		t.Errorf("finalize output = %v, want last assistant text", body["output"])
	}

	st, _ := f.store.Read("sess-1")
	if len(st.PendingBatch) != 0 {
		t.Errorf("pending batch should be clear after finalize, got %d events", len(st.PendingBatch))
	}
}

func TestStopWithNoTokensOmitsGeneration(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "hi"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	// No assistant output at all this turn.
	if err := f.orch.Stop(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	batch := f.backend.batch(0)
	for _, ev := range batch {
		if ev["type"] == langfuse.EventGenerationCreate {
			t.Error("zero-token turn must not produce a generation")
		}
	}
}

func TestStalePendingFlushedOnNextPrompt(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	// First turn ends with no tool call and no stop: its trace-create is
	// still sitting in the buffer when the next prompt arrives.
	p := f.payload("sess-1")
	p.Prompt = "first turn"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	st, _ := f.store.Read("sess-1")
	staleID := st.TraceID

	p2 := f.payload("sess-1")
	p2.Prompt = "second turn"
	if err := f.orch.UserPromptSubmit(context.Background(), p2); err != nil {
		t.Fatal(err)
	}

	if n := f.backend.requestCount(); n != 1 {
		t.Fatalf("stale trace should get exactly one extra push, got %d requests", n)
	}
	flushed := f.backend.batch(0)
	if len(flushed) != 1 || flushed[0]["id"] != staleID {
		t.Errorf("flushed batch = %+v, want the stale trace-create", flushed)
	}

	st, _ = f.store.Read("sess-1")
	if len(st.PendingBatch) != 1 || st.PendingBatch[0].ID != st.TraceID {
		t.Errorf("new turn should buffer exactly its own trace-create, got %+v", st.PendingBatch)
	}
}

func TestFailedPushDropsBatchInsteadOfRetrying(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "first turn"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, assistantTextLine)
	f.backend.setFail(true)
	if err := f.orch.Stop(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	st, _ := f.store.Read("sess-1")
	if len(st.PendingBatch) != 0 {
		t.Errorf("failed finalize must drop the batch, got %d buffered events", len(st.PendingBatch))
	}

	// Recovery must not resurrect the dropped batch.
	f.backend.setFail(false)
	p2 := f.payload("sess-1")
	p2.Prompt = "second turn"
	if err := f.orch.UserPromptSubmit(context.Background(), p2); err != nil {
		t.Fatal(err)
	}
	if n := f.backend.requestCount(); n != 0 {
		t.Errorf("dropped batch was re-pushed: %d requests", n)
	}
}

func TestCursorAdvancesOnFailedSpanPush(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "hi"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	// Flush the trace-create while the backend is still healthy.
	if err := f.orch.PostToolUse(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, assistantTextLine)
	f.backend.setFail(true)
	if err := f.orch.PostToolUse(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	st, _ := f.store.Read("sess-1")
	if st.LastProcessedLine != 2 {
		t.Errorf("cursor = %d, want 2: it advances even when the span push fails", st.LastProcessedLine)
	}

	// Recovery must not replay the lost spans under fresh ids.
	f.backend.setFail(false)
	before := f.backend.requestCount()
	if err := f.orch.PostToolUse(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}
	if f.backend.requestCount() != before {
		t.Error("already-processed lines were replayed after recovery")
	}
}

const taskToolLine = `{"type":"assistant","uuid":"a3","timestamp":"2026-01-01T00:00:03Z","message":{"role":"assistant","model":"claude-test","content":[{"type":"tool_use","id":"toolu_task","name":"Task","input":{"subagent_type":"reviewer","prompt":"review the diff"}}]}}`

const taskResultLine = `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_task","content":"looks good\nagentId: agent-1"}]}}`

func TestSubagentLifecycle(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "review my diff"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, taskToolLine)

	start := f.payload("sess-1")
	start.AgentID = "agent-1"
	start.ToolUseID = "toolu_task"
	start.ToolInput = json.RawMessage(`{"subagent_type":"reviewer","prompt":"review the diff"}`)
	if err := f.orch.SubagentStart(context.Background(), start); err != nil {
		t.Fatalf("SubagentStart failed: %v", err)
	}

	st, _ := f.store.Read("sess-1")
	entry, ok := st.Subagent("agent-1")
	if !ok {
		t.Fatal("subagent entry missing after start")
	}

	// Flush + subagent trace-create.
	if n := f.backend.requestCount(); n != 2 {
		t.Fatalf("want 2 requests after start, got %d", n)
	}
	created := f.backend.batch(1)
	body, _ := created[0]["body"].(map[string]any)
	if body["name"] != "subagent:reviewer" {
		t.Errorf("subagent trace name = %v", body["name"])
	}
	if body["input"] != "review the diff" {
		t.Errorf("subagent trace input = %v, want the Task prompt", body["input"])
	}

	// The agent runs with its own session id: events from inside it must
	// attach to the sub-agent trace, not the parent's.
	agentTranscript := filepath.Join(t.TempDir(), "agent.jsonl")
	agentLine := `{"type":"assistant","message":{"role":"assistant","model":"claude-test","content":[{"type":"text","text":"LGTM with two nits"}],"usage":{"input_tokens":7,"output_tokens":4}}}`
	if err := os.WriteFile(agentTranscript, []byte(agentLine+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	agentEvent := HookPayload{SessionID: "agent-1", TranscriptPath: agentTranscript}
	if err := f.orch.PostToolUse(context.Background(), agentEvent); err != nil {
		t.Fatal(err)
	}
	agentSpans := f.backend.batch(2)
	if len(agentSpans) != 1 {
		t.Fatalf("want one span from the agent's transcript, got %d", len(agentSpans))
	}
	if body, _ := agentSpans[0]["body"].(map[string]any); body["traceId"] != entry.TraceID {
		t.Errorf("agent span traceId = %v, want the sub-agent trace %v", body["traceId"], entry.TraceID)
	}

	f.appendLines(t, taskResultLine)
	stop := f.payload("sess-1")
	stop.AgentID = "agent-1"
	stop.AgentTranscript = agentTranscript
	if err := f.orch.SubagentStop(context.Background(), stop); err != nil {
		t.Fatalf("SubagentStop failed: %v", err)
	}

	final := f.backend.batch(3)
	body, _ = final[0]["body"].(map[string]any)
	if body["id"] != entry.TraceID {
		t.Errorf("finalize targets trace %v, want %v", body["id"], entry.TraceID)
	}
	if body["output"] != "LGTM with two nits" {
		t.Errorf("finalize output = %v, want the agent transcript's answer", body["output"])
	}

	st, _ = f.store.Read("sess-1")
	if _, ok := st.Subagent("agent-1"); ok {
		t.Error("subagent entry should be removed after stop")
	}
}

func TestSubagentStopFallsBackToParentTaskResult(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "review my diff"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, taskToolLine)
	start := f.payload("sess-1")
	start.AgentID = "agent-1"
	start.ToolUseID = "toolu_task"
	if err := f.orch.SubagentStart(context.Background(), start); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, taskResultLine)
	stop := f.payload("sess-1")
	stop.AgentID = "agent-1"
	// No agent transcript: only the parent's Task result is available.
	if err := f.orch.SubagentStop(context.Background(), stop); err != nil {
		t.Fatal(err)
	}

	final := f.backend.batch(f.backend.requestCount() - 1)
	body, _ := final[len(final)-1]["body"].(map[string]any)
	if body["output"] != "looks good\nagentId: agent-1" {
		t.Errorf("finalize output = %v, want the agent-tagged Task result", body["output"])
	}
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.orch.cfg.Telemetry.Enabled = false
	f.appendLines(t, userLine)

	p := f.payload("sess-1")
	p.Prompt = "hi"
	for _, call := range []func(context.Context, HookPayload) error{
		f.orch.UserPromptSubmit,
		f.orch.PostToolUse,
		f.orch.Stop,
		f.orch.SubagentStart,
		f.orch.SubagentStop,
	} {
		if err := call(context.Background(), p); err != nil {
			t.Fatalf("disabled telemetry must be a silent success, got %v", err)
		}
	}

	if n := f.backend.requestCount(); n != 0 {
		t.Errorf("disabled telemetry made %d requests", n)
	}
	if st, _ := f.store.Read("sess-1"); st != nil {
		t.Errorf("disabled telemetry wrote state: %+v", st)
	}
}

func TestUsageSnapshotsHonorPollInterval(t *testing.T) {
	f := newFixture(t)
	rec, err := pacing.NewRecorder(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	defer rec.Close()
	f.orch.recorder = rec
	f.orch.cfg.Pacing.Enabled = true
	f.orch.cfg.Pacing.PollInterval = 3600

	f.appendLines(t, userLine)
	p := f.payload("sess-1")
	p.Prompt = "first turn"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	f.appendLines(t, assistantTextLine)
	if err := f.orch.Stop(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	st, _ := f.store.Read("sess-1")
	if st.LastPollTime.IsZero() {
		t.Error("first snapshot should stamp the session's last poll time")
	}

	// Second turn well inside the poll interval: no extra snapshot.
	p2 := f.payload("sess-1")
	p2.Prompt = "second turn"
	if err := f.orch.UserPromptSubmit(context.Background(), p2); err != nil {
		t.Fatal(err)
	}
	f.appendLines(t, assistantTextLine)
	if err := f.orch.Stop(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	rate, err := rec.RecentBurnRate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rate.Snapshots != 1 {
		t.Errorf("snapshots = %d, want 1: the poll interval rate-limits recording", rate.Snapshots)
	}
}

func TestPerSessionPacingDisableSkipsSnapshots(t *testing.T) {
	f := newFixture(t)
	rec, err := pacing.NewRecorder(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	defer rec.Close()
	f.orch.recorder = rec
	f.orch.cfg.Pacing.Enabled = true

	f.appendLines(t, userLine)
	p := f.payload("sess-1")
	p.Prompt = "hi"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	st, _ := f.store.Read("sess-1")
	st.PacingDisabled = true
	if err := f.store.Write(st); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, assistantTextLine)
	if err := f.orch.Stop(context.Background(), f.payload("sess-1")); err != nil {
		t.Fatal(err)
	}

	rate, err := rec.RecentBurnRate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rate.Snapshots != 0 {
		t.Errorf("snapshots = %d, want 0 for a pacing-disabled session", rate.Snapshots)
	}
}

func TestSubagentStopCountsParentPendingTrace(t *testing.T) {
	f := newFixture(t)
	ms, err := metrics.NewStore(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer ms.Close()
	f.orch.metrics = ms

	f.appendLines(t, userLine)
	p := f.payload("sess-1")
	p.Prompt = "delegate this"
	if err := f.orch.UserPromptSubmit(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, taskToolLine)
	start := f.payload("sess-1")
	start.AgentID = "agent-1"
	start.ToolUseID = "toolu_task"
	if err := f.orch.SubagentStart(context.Background(), start); err != nil {
		t.Fatal(err)
	}

	// The next turn starts while the agent is still running, so its
	// trace-create is pending when the agent stops and rides out in the
	// merged finalize batch.
	p2 := f.payload("sess-1")
	p2.Prompt = "and meanwhile"
	if err := f.orch.UserPromptSubmit(context.Background(), p2); err != nil {
		t.Fatal(err)
	}

	f.appendLines(t, taskResultLine)
	stop := f.payload("sess-1")
	stop.AgentID = "agent-1"
	if err := f.orch.SubagentStop(context.Background(), stop); err != nil {
		t.Fatal(err)
	}

	final := f.backend.batch(f.backend.requestCount() - 1)
	if len(final) != 2 {
		t.Fatalf("want pending trace-create + finalize in one batch, got %d events", len(final))
	}

	sum, err := ms.Last24h()
	if err != nil {
		t.Fatal(err)
	}
	// Turn 1 flushed at agent start, the agent's own trace, turn 2 flushed
	// at agent stop.
	if sum.Traces != 3 {
		t.Errorf("traces = %d, want 3: the trace flushed at agent stop must be counted", sum.Traces)
	}
	if sum.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", sum.Sessions)
	}
}
