// Command pacetrace instruments Claude Code sessions: lifecycle hooks feed
// an incremental telemetry pipeline that reconstructs traces, spans, and
// generations and pushes them to a Langfuse-compatible backend.
package main

import "github.com/pacetrace-dev/pacetrace/internal/cli"

func main() {
	cli.Execute()
}
