// Command nexus runs the LLM Agent Orchestrator daemon: it drives works
// through the Agent Loop against configured providers, persists transcripts
// to the Conversation Store, and exposes the REST, WebSocket, and local IPC
// surfaces described in spec §6.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:     "nexus",
		Short:   "LLM Agent Orchestrator daemon",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildMigrateCmd())

	if err := root.Execute(); err != nil {
		slog.Error("nexus exited with error", "error", err)
		os.Exit(1)
	}
}
