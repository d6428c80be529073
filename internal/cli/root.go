package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"agentdeck/internal/paths"
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "Orchestrate coding agent CLI sessions",
	Long: `agentdeck supervises coding agent CLIs (claude, codex, and compatible
tools) as managed sessions: durable per-session event logs, normalized
output, task workflows with review gates, and a realtime API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Application data directory (default: ~/.agentdeck)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(taskCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if s, err := cmd.Flags().GetString("log-level"); err == nil {
		switch s {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newPaths(cmd *cobra.Command) (*paths.Paths, error) {
	dataDir, err := cmd.Flags().GetString("data-dir")
	if err != nil {
		return nil, err
	}
	p, err := paths.New(dataDir)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	return p, nil
}
