// clean.go implements "pacetrace clean": prune stale session state files.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/log"
	"github.com/pacetrace-dev/pacetrace/internal/state"
)

var cleanDryRun bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale session state files",
	Long: `Delete per-session state files older than the configured maximum age
(telemetry.state_max_age, in days). Ended sessions leave their state behind;
this reclaims it.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "List what would be removed without removing it")
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := config.ReadConfig(config.Dir())
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	logger := log.New(cfg.LogPath, cfg.LogLevel)
	store, err := state.NewStore(cfg.Telemetry.StateDir, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	maxAge := time.Duration(cfg.Telemetry.StateMaxAge) * 24 * time.Hour

	if cleanDryRun {
		stale, err := store.Stale(maxAge)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			fmt.Println("Nothing to remove.")
			return nil
		}
		for _, name := range stale {
			fmt.Println(name)
		}
		fmt.Printf("%d state files would be removed\n", len(stale))
		return nil
	}

	removed, err := store.Cleanup(maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d stale state files\n", len(removed))
	return nil
}
