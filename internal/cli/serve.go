package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentdeck/internal/adapter"
	"agentdeck/internal/config"
	"agentdeck/internal/orchestrator"
	"agentdeck/internal/realtime"
	"agentdeck/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentdeck server",
	Long: `Run the agentdeck server: the session orchestrator, task state
machine, and realtime HTTP/WebSocket API. Tool configuration is read from
config.yaml in the data directory and hot-reloaded on change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8787", "Listen address for the API server")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	p, err := newPaths(cmd)
	if err != nil {
		return err
	}

	if err := config.EnsureDefault(p.ConfigFile()); err != nil {
		return err
	}
	configs, err := config.Load(p.ConfigFile(), logger)
	if err != nil {
		return err
	}
	watcher, err := config.Watch(configs)
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	repo, err := task.NewRepository(p.DatabaseFile())
	if err != nil {
		return fmt.Errorf("failed to open task database: %w", err)
	}
	defer repo.Close()
	tasks := task.NewService(repo, logger)

	registry := adapter.NewRegistry()
	registry.Register(adapter.NewClaude())
	registry.Register(adapter.NewCodex())

	orch := orchestrator.NewService(registry, configs, tasks, p, logger)

	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}
	server := realtime.NewServer(orch, tasks, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		orch.StopAll()
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		orch.StopAll()
		return nil
	}
}
