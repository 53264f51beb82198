// hook.go implements the "pacetrace hook" subcommands that Claude Code
// invokes on lifecycle events. Each invocation reads one JSON payload from
// stdin, does its telemetry work, and exits 0 — a telemetry problem must
// never fail the user's session, so handler errors are logged and swallowed.
// Only an unreadable payload is a hard error.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/langfuse"
	"github.com/pacetrace-dev/pacetrace/internal/log"
	"github.com/pacetrace-dev/pacetrace/internal/metrics"
	"github.com/pacetrace-dev/pacetrace/internal/orchestrator"
	"github.com/pacetrace-dev/pacetrace/internal/pacing"
	"github.com/pacetrace-dev/pacetrace/internal/state"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Lifecycle hook entry points (invoked by Claude Code)",
}

type hookHandler func(*orchestrator.Orchestrator, context.Context, orchestrator.HookPayload) error

func init() {
	hookCmd.AddCommand(
		&cobra.Command{
			Use:   "user-prompt-submit",
			Short: "Open a trace for a new user turn",
			RunE:  runHook((*orchestrator.Orchestrator).UserPromptSubmit),
		},
		&cobra.Command{
			Use:   "post-tool-use",
			Short: "Push spans for new transcript content",
			RunE:  runHook((*orchestrator.Orchestrator).PostToolUse),
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Finalize the turn's trace with output and token usage",
			RunE:  runHook((*orchestrator.Orchestrator).Stop),
		},
		&cobra.Command{
			Use:   "subagent-start",
			Short: "Open a trace for a sub-agent invocation",
			RunE:  runHook((*orchestrator.Orchestrator).SubagentStart),
		},
		&cobra.Command{
			Use:   "subagent-stop",
			Short: "Finalize a sub-agent's trace",
			RunE:  runHook((*orchestrator.Orchestrator).SubagentStop),
		},
	)
}

func runHook(handler hookHandler) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading hook payload: %w", err)
		}

		dir := config.Dir()
		cfg, err := config.ReadConfig(dir)
		if err != nil {
			cfg = config.DefaultConfig(dir)
		}
		logger := log.New(cfg.LogPath, cfg.LogLevel)

		store, err := state.NewStore(cfg.Telemetry.StateDir, logger)
		if err != nil {
			logger.Warn("hook", "state store unavailable, skipping event", err)
			return nil
		}

		client := langfuse.NewClient(
			cfg.Telemetry.BaseURL,
			cfg.Telemetry.PublicKey,
			cfg.Telemetry.SecretKey,
			time.Duration(cfg.Telemetry.PushTimeout)*time.Second,
			logger,
		)

		var metricsStore *metrics.Store
		if ms, err := metrics.NewStore(cfg.DBPath); err == nil {
			metricsStore = ms
			defer ms.Close()
		} else {
			logger.Warn("hook", "metrics store unavailable", err)
		}

		var recorder *pacing.Recorder
		if cfg.Pacing.Enabled {
			if r, err := pacing.NewRecorder(cfg.DBPath); err == nil {
				recorder = r
				defer r.Close()
			} else {
				logger.Warn("hook", "usage recorder unavailable", err)
			}
		}

		orch := orchestrator.New(cfg, store, client, metricsStore, recorder, logger)
		if err := handler(orch, cmd.Context(), payload); err != nil {
			logger.Warn("hook", "handler failed for "+payload.SessionID, err)
		}
		return nil
	}
}

func readPayload(r io.Reader) (orchestrator.HookPayload, error) {
	var payload orchestrator.HookPayload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return orchestrator.HookPayload{}, err
	}
	if payload.SessionID == "" {
		return orchestrator.HookPayload{}, fmt.Errorf("payload has no session_id")
	}
	return payload, nil
}
