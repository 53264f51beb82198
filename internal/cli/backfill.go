// backfill.go implements "pacetrace backfill": push traces for historical
// sessions whose transcripts predate hook installation.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/langfuse"
	"github.com/pacetrace-dev/pacetrace/internal/log"
	"github.com/pacetrace-dev/pacetrace/internal/orchestrator"
)

// backfillTimeout is the per-push timeout for backfill requests. Historical
// transcripts produce bigger payloads than realtime events, so this is
// longer than the configured realtime push timeout.
const backfillTimeout = 30 * time.Second

var (
	backfillDays int
	backfillDir  string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Push traces for historical sessions",
	Long: `Scan the Claude Code transcript directory for sessions modified within
the given window and push one whole-session trace per transcript. Trace ids
derive from session ids, so re-running over the same window updates the
existing traces instead of duplicating them.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().IntVar(&backfillDays, "days", 7, "Backfill sessions modified within this many days")
	backfillCmd.Flags().StringVar(&backfillDir, "dir", "", "Transcript directory (default ~/.claude/projects)")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := config.ReadConfig(config.Dir())
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if !cfg.TelemetryReady() {
		return fmt.Errorf("telemetry is not configured: set telemetry.base_url, public_key, secret_key and enable it")
	}

	dir := backfillDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".claude", "projects")
	}

	logger := log.New(cfg.LogPath, cfg.LogLevel)
	client := langfuse.NewClient(
		cfg.Telemetry.BaseURL,
		cfg.Telemetry.PublicKey,
		cfg.Telemetry.SecretKey,
		backfillTimeout,
		logger,
	)

	orch := orchestrator.New(cfg, nil, client, nil, nil, logger)
	since := time.Now().Add(-time.Duration(backfillDays) * 24 * time.Hour)
	res := orch.Backfill(cmd.Context(), dir, since, cmd.OutOrStdout())

	if res.Failed > 0 {
		return fmt.Errorf("%d of %d sessions failed to push", res.Failed, res.Total)
	}
	return nil
}
