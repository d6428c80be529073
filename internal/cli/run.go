package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agentdeck/internal/adapter"
	"agentdeck/internal/config"
	"agentdeck/internal/msgstore"
	"agentdeck/internal/orchestrator"
	"agentdeck/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a one-shot agent session in the foreground",
	Long: `Run a single agent session without the server: spawn the tool,
stream its normalized output to stdout, and exit when the session ends.
The session's event log is still written to the data directory.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("tool", "claude", "Tool id to run")
	runCmd.Flags().String("workdir", "", "Working directory for the agent")
	runCmd.Flags().StringP("prompt", "p", "", "Prompt to send to the agent")
	runCmd.Flags().String("model", "", "Model override")
	runCmd.Flags().String("profile", "", "Named config profile to apply")
	runCmd.Flags().Bool("raw", false, "Print raw process output instead of normalized entries")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	out := cmd.OutOrStdout()

	p, err := newPaths(cmd)
	if err != nil {
		return err
	}
	configs, err := config.Load(p.ConfigFile(), logger)
	if err != nil {
		return err
	}

	registry := adapter.NewRegistry()
	registry.Register(adapter.NewClaude())
	registry.Register(adapter.NewCodex())

	orch := orchestrator.NewService(registry, configs, nil, p, logger)

	tool, _ := cmd.Flags().GetString("tool")
	workdir, _ := cmd.Flags().GetString("workdir")
	prompt, _ := cmd.Flags().GetString("prompt")
	model, _ := cmd.Flags().GetString("model")
	profile, _ := cmd.Flags().GetString("profile")
	raw, _ := cmd.Flags().GetBool("raw")

	closed := make(chan session.CloseInfo, 1)
	unsub := orch.Subscribe(func(n orchestrator.Notice) {
		switch n.Type {
		case orchestrator.NoticeEvent:
			printEvent(out, n.Event, raw)
		case orchestrator.NoticeClosed:
			select {
			case closed <- *n.Close:
			default:
			}
		}
	})
	defer unsub()

	info, err := orch.StartSession(orchestrator.StartOptions{
		ToolID:   tool,
		Workdir:  workdir,
		Prompt:   prompt,
		Model:    model,
		ConfigID: profile,
	})
	if err != nil {
		return err
	}
	logger.Info("session running", "session", info.ID, "log", p.SessionLogFile(info.ID))

	ci := <-closed
	if ci.Status == session.StatusError {
		if ci.ErrorMessage != "" {
			return fmt.Errorf("session failed: %s", ci.ErrorMessage)
		}
		return fmt.Errorf("session failed")
	}
	return nil
}

func printEvent(out io.Writer, evt *msgstore.Event, raw bool) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case msgstore.EventStdout, msgstore.EventStderr:
		if raw {
			fmt.Fprint(out, evt.Content)
		}
	case msgstore.EventNormalized:
		if raw || evt.Entry == nil {
			return
		}
		switch evt.Entry.Type {
		case msgstore.EntryToolUse:
			fmt.Fprintf(out, "[tool] %s\n", evt.Entry.ToolName)
		case msgstore.EntryError:
			fmt.Fprintf(out, "[error] %s\n", evt.Entry.Content)
		default:
			if evt.Entry.Content != "" {
				fmt.Fprintln(out, evt.Entry.Content)
			}
		}
	}
}
