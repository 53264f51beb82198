// tail.go implements "pacetrace tail", a viewer for the diagnostic log.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/log"
	"github.com/pacetrace-dev/pacetrace/internal/tui"
)

var tailCount int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "View recent diagnostic log events",
	RunE:  runTail,
}

func init() {
	tailCmd.Flags().IntVarP(&tailCount, "lines", "n", 50, "Number of recent events to show")
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := config.ReadConfig(config.Dir())
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	logger := log.New(cfg.LogPath, log.LevelDebug)
	events, err := logger.ReadAll()
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No log events yet.")
		return nil
	}
	if tailCount > 0 && len(events) > tailCount {
		events = events[len(events)-tailCount:]
	}

	lines := make([]string, len(events))
	for i, event := range events {
		lines[i] = formatEvent(event)
	}

	if tui.IsTTY() {
		return tui.RunTail(cfg.LogPath, lines)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func formatEvent(event log.Event) string {
	line := fmt.Sprintf("%s  %-5s  %-12s  %s",
		event.Time.Format("15:04:05"), event.Level, event.Component, event.Message)
	if event.SessionID != "" {
		line += "  session=" + event.SessionID
	}
	if event.Error != "" {
		line += "  error=" + event.Error
	}
	if event.Count > 0 {
		line += fmt.Sprintf("  count=%d", event.Count)
	}
	return line
}
