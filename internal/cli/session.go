package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentdeck/internal/msgstore"
	"agentdeck/internal/orchestrator"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions on a running server",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE:  runSessionList,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session",
	RunE:  runSessionStart,
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStop,
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <session-id> <text...>",
	Short: "Send input to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSessionSend,
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's event history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionHistory,
}

func init() {
	sessionCmd.PersistentFlags().String("addr", "127.0.0.1:8787", "Server address")

	sessionStartCmd.Flags().String("tool", "claude", "Tool id")
	sessionStartCmd.Flags().String("id", "", "Session id (generated when empty)")
	sessionStartCmd.Flags().String("workdir", "", "Working directory for the agent")
	sessionStartCmd.Flags().StringP("prompt", "p", "", "Prompt to send")
	sessionStartCmd.Flags().String("model", "", "Model override")
	sessionStartCmd.Flags().String("profile", "", "Named config profile")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionSendCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
}

func sessionClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	return newAPIClient(addr)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Sessions []orchestrator.SessionInfo `json:"sessions"`
	}
	if err := sessionClient(cmd).get("/api/sessions", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(out, "no live sessions")
		return nil
	}
	for _, s := range resp.Sessions {
		fmt.Fprintf(out, "%s  %-8s  %-8s  %s\n", s.ID, s.ToolID, s.Status, s.Workdir)
	}
	return nil
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	tool, _ := cmd.Flags().GetString("tool")
	id, _ := cmd.Flags().GetString("id")
	workdir, _ := cmd.Flags().GetString("workdir")
	prompt, _ := cmd.Flags().GetString("prompt")
	model, _ := cmd.Flags().GetString("model")
	profile, _ := cmd.Flags().GetString("profile")

	var info orchestrator.SessionInfo
	err := sessionClient(cmd).post("/api/sessions", map[string]any{
		"session_id": id,
		"tool_id":    tool,
		"workdir":    workdir,
		"prompt":     prompt,
		"model":      model,
		"config_id":  profile,
	}, &info)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "started session %s (%s)\n", info.ID, info.ToolID)
	return nil
}

func runSessionStop(cmd *cobra.Command, args []string) error {
	if err := sessionClient(cmd).delete("/api/sessions/" + args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stopped session %s\n", args[0])
	return nil
}

func runSessionSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[1:], " ")
	return sessionClient(cmd).post("/api/sessions/"+args[0]+"/input", map[string]any{"text": text}, nil)
}

func runSessionHistory(cmd *cobra.Command, args []string) error {
	var resp struct {
		Events []msgstore.Event `json:"events"`
	}
	if err := sessionClient(cmd).get("/api/sessions/"+args[0]+"/history", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, evt := range resp.Events {
		switch evt.Type {
		case msgstore.EventNormalized:
			if evt.Entry != nil {
				fmt.Fprintf(out, "%s  [%s] %s\n", evt.CreatedAt.Format("15:04:05"), evt.Entry.Type, evt.Entry.Content)
			}
		case msgstore.EventFinished:
			code := 0
			if evt.ExitCode != nil {
				code = *evt.ExitCode
			}
			fmt.Fprintf(out, "%s  [finished] exit %d\n", evt.CreatedAt.Format("15:04:05"), code)
		default:
			fmt.Fprintf(out, "%s  [%s] %s\n", evt.CreatedAt.Format("15:04:05"), evt.Type, strings.TrimRight(evt.Content, "\n"))
		}
	}
	return nil
}
