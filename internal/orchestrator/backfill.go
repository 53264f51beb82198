package orchestrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pacetrace-dev/pacetrace/internal/langfuse"
	"github.com/pacetrace-dev/pacetrace/internal/metrics"
	"github.com/pacetrace-dev/pacetrace/internal/transcript"
)

// BackfillResult counts the sessions handled by one backfill run.
type BackfillResult struct {
	Total   int
	Pushed  int
	Skipped int
	Failed  int
}

// FindTranscriptsSince lists transcript files under dir whose modification
// time is at or after the cutoff. The tree is walked recursively because
// Claude Code keeps one subdirectory per project; unreadable entries are
// skipped rather than failing the scan.
func FindTranscriptsSince(dir string, since time.Time) []string {
	var paths []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(since) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	sort.Strings(paths)
	return paths
}

// Backfill pushes one whole-session trace per transcript modified since the
// cutoff, for sessions that predate hook installation. Each trace carries
// the session's final output, token totals, and tool names; ids derive from
// session ids, so a repeated run upserts instead of duplicating. Progress
// lines go to the given writer.
func (o *Orchestrator) Backfill(ctx context.Context, dir string, since time.Time, progress io.Writer) BackfillResult {
	paths := FindTranscriptsSince(dir, since)

	res := BackfillResult{Total: len(paths)}
	fmt.Fprintf(progress, "Found %d sessions to process\n", len(paths))

	for _, path := range paths {
		meta, err := transcript.SessionMetadata(path)
		if err != nil || meta.SessionID == "" {
			res.Skipped++
			fmt.Fprintf(progress, "  skipped: %s (no session metadata)\n", filepath.Base(path))
			continue
		}

		userID, _ := transcript.UserID(path)
		usage, tools, _, err := transcript.ParseUsage(path, 0)
		if err != nil {
			o.logger.Warn("backfill", "failed to parse "+path, err)
			res.Failed++
			fmt.Fprintf(progress, "  failed: %s\n", meta.SessionID)
			continue
		}
		output, _ := transcript.LastAssistantText(path, 0)

		trace := langfuse.NewSessionTrace(meta, userID, output, usage, tools)
		if ok, _ := o.client.Push(ctx, []langfuse.Event{langfuse.FinalizeEvent(trace)}); ok {
			o.count(metrics.Traces, 1)
			res.Pushed++
			fmt.Fprintf(progress, "  pushed: %s\n", meta.SessionID)
		} else {
			res.Failed++
			fmt.Fprintf(progress, "  failed: %s\n", meta.SessionID)
		}
	}

	summary := fmt.Sprintf("backfill complete: %d pushed, %d skipped, %d failed", res.Pushed, res.Skipped, res.Failed)
	fmt.Fprintf(progress, "\nBackfill complete: %d pushed, %d skipped, %d failed\n", res.Pushed, res.Skipped, res.Failed)
	o.logger.Info("backfill", summary)
	return res
}
