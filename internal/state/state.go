// Package state persists per-session telemetry progress.
//
// Each session gets one JSON file in the state directory. Lifecycle events
// arrive as independent short-lived processes, so writes must be atomic:
// the full record is serialized to a temp file whose name embeds the writer's
// PID, then renamed over the target. A reader never observes a partial
// record; concurrent writers never collide on the temp path.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pacetrace-dev/pacetrace/internal/langfuse"
	"github.com/pacetrace-dev/pacetrace/internal/log"
)

// Metadata carries per-trace bookkeeping within a session record.
type Metadata struct {
	// TraceStartLine marks where the active trace's transcript window
	// begins. Finalize re-parses from here, not from the absolute cursor,
	// so one turn's generation never absorbs another turn's tokens.
	TraceStartLine int `json:"trace_start_line"`

	// FirstTraceInSession is true until the first trace of the session has
	// been pushed; used for session counting.
	FirstTraceInSession bool `json:"is_first_trace_in_session"`
}

// SubagentEntry records one running sub-agent's open trace. Entry presence
// implies the sub-agent's trace exists and has not been finalized.
type SubagentEntry struct {
	TraceID          string `json:"trace_id"`
	ParentTranscript string `json:"parent_transcript,omitempty"`
}

// SessionState is the durable per-session record.
// PendingBatch holds events buffered for the next push: the active trace's
// create event, plus anything a failed push left behind. It is flushed before
// any later event does its own work and is never silently dropped.
type SessionState struct {
	SessionID         string                   `json:"session_id"`
	TraceID           string                   `json:"trace_id"`
	LastProcessedLine int                      `json:"last_processed_line"`
	PendingBatch      []langfuse.Event         `json:"pending_batch,omitempty"`
	Metadata          Metadata                 `json:"metadata"`
	Subagents         map[string]SubagentEntry `json:"subagents,omitempty"`

	// PacingDisabled turns off usage snapshots for this session only. It can
	// never re-enable pacing when the global flag is off.
	PacingDisabled bool `json:"pacing_disabled,omitempty"`

	// LastPollTime is when the session last contributed a usage snapshot;
	// snapshots are rate-limited by the configured poll interval.
	LastPollTime time.Time `json:"last_poll_time,omitzero"`

	// Legacy single-subagent layout, read as a fallback when the structured
	// map misses. Never written by current code.
	LegacySubagentTraceID string `json:"current_subagent_trace_id,omitempty"`
	LegacySubagentAgentID string `json:"current_subagent_agent_id,omitempty"`
}

// Subagent looks up a sub-agent's entry, falling back to the legacy
// flat-key layout for state written by old versions.
func (s *SessionState) Subagent(agentID string) (SubagentEntry, bool) {
	if entry, ok := s.Subagents[agentID]; ok {
		return entry, true
	}
	if s.LegacySubagentAgentID == agentID && s.LegacySubagentTraceID != "" {
		return SubagentEntry{TraceID: s.LegacySubagentTraceID}, true
	}
	return SubagentEntry{}, false
}

// PutSubagent adds or replaces exactly one keyed entry. Sibling entries are
// untouched, so concurrent sub-agents never clobber each other within a
// read-modify-write cycle.
func (s *SessionState) PutSubagent(agentID string, entry SubagentEntry) {
	if s.Subagents == nil {
		s.Subagents = make(map[string]SubagentEntry)
	}
	s.Subagents[agentID] = entry
}

// DeleteSubagent removes one keyed entry, clearing the legacy fields when
// they describe the same agent.
func (s *SessionState) DeleteSubagent(agentID string) {
	delete(s.Subagents, agentID)
	if s.LegacySubagentAgentID == agentID {
		s.LegacySubagentAgentID = ""
		s.LegacySubagentTraceID = ""
	}
}

// Store reads and writes session state files under a single directory.
type Store struct {
	dir    string
	logger *log.Logger
}

// NewStore creates the state directory if needed and returns a Store over it.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Read loads a session's state. A missing, corrupt, or unreadable file reads
// as absent (nil, nil): telemetry degrades to a fresh start instead of
// failing the hook.
func (s *Store) Read(sessionID string) (*SessionState, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("state", "failed to read state for "+sessionID, err)
		return nil, nil
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("state", "corrupt state for "+sessionID+", treating as absent", err)
		return nil, nil
	}

	// Fold the legacy single-subagent layout into the structured map.
	if len(state.Subagents) == 0 && state.LegacySubagentAgentID != "" && state.LegacySubagentTraceID != "" {
		state.PutSubagent(state.LegacySubagentAgentID, SubagentEntry{TraceID: state.LegacySubagentTraceID})
	}

	return &state, nil
}

// Write persists a session's state atomically. The temp file name embeds the
// writer's PID so concurrent hook processes targeting the same session never
// share a temp path; the final rename is atomic on POSIX filesystems.
func (s *Store) Write(state *SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", state.SessionID, err)
	}

	target := s.path(state.SessionID)
	tmp := fmt.Sprintf("%s.%d.tmp", target, os.Getpid())

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp state for %s: %w", state.SessionID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename state for %s: %w", state.SessionID, err)
	}

	return nil
}

// Stale returns the names of state files whose modification time is older
// than maxAge, without removing anything.
func (s *Store) Stale(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		stale = append(stale, entry.Name())
	}
	return stale, nil
}

// Cleanup deletes state files whose modification time is older than maxAge.
// Only .json state files are considered; temp files and anything else in the
// directory are left alone. Returns the names of removed files.
func (s *Store) Cleanup(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn("state", "failed to delete stale state "+entry.Name(), err)
			continue
		}
		removed = append(removed, entry.Name())
	}

	return removed, nil
}
