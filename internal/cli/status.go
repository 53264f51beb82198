// status.go implements "pacetrace status": configuration at a glance plus
// recent telemetry activity and credit burn rate.
package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/metrics"
	"github.com/pacetrace-dev/pacetrace/internal/pacing"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show telemetry configuration and recent activity",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := config.Dir()
	cfg, err := config.ReadConfig(dir)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Println(titleStyle.Render("Pacetrace Status"))
	fmt.Println()

	if cfg.TelemetryReady() {
		fmt.Printf("%s %s\n", labelStyle.Render("Telemetry:"), okStyle.Render("enabled"))
		fmt.Printf("%s %s\n", labelStyle.Render("Backend:  "), cfg.Telemetry.BaseURL)
	} else if cfg.Telemetry.Enabled {
		fmt.Printf("%s %s\n", labelStyle.Render("Telemetry:"), warnStyle.Render("enabled but missing credentials"))
	} else {
		fmt.Printf("%s %s\n", labelStyle.Render("Telemetry:"), warnStyle.Render("disabled"))
	}

	if cfg.Pacing.Enabled {
		fmt.Printf("%s %s\n", labelStyle.Render("Pacing:   "), okStyle.Render("enabled"))
	} else {
		fmt.Printf("%s %s\n", labelStyle.Render("Pacing:   "), warnStyle.Render("disabled"))
	}
	fmt.Println()

	if store, err := metrics.NewStore(cfg.DBPath); err == nil {
		defer store.Close()
		if sum, err := store.Last24h(); err == nil {
			fmt.Println(titleStyle.Render("Last 24 hours"))
			fmt.Printf("  %-12s %d\n", "Sessions", sum.Sessions)
			fmt.Printf("  %-12s %d\n", "Traces", sum.Traces)
			fmt.Printf("  %-12s %d\n", "Spans", sum.Spans)
			fmt.Printf("  %-12s %d\n", "Generations", sum.Generations)
			fmt.Println()
		}
	}

	if cfg.Pacing.Enabled {
		if recorder, err := pacing.NewRecorder(cfg.DBPath); err == nil {
			defer recorder.Close()
			if rate, err := recorder.RecentBurnRate(time.Hour); err == nil && rate.Snapshots > 0 {
				fmt.Println(titleStyle.Render("Burn rate (trailing hour)"))
				fmt.Printf("  %-12s %d\n", "Tokens", rate.TotalTokens)
				fmt.Printf("  %-12s %.0f tokens/min\n", "Rate", rate.PerMinute)
				fmt.Println()
			}
		}
	}

	fmt.Printf("%s %s\n", labelStyle.Render("Config:   "), dir)
	fmt.Printf("%s %s\n", labelStyle.Render("Log:      "), cfg.LogPath)
	return nil
}
