package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentdeck/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks on a running server",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task from one or more prompts",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCreate,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its nodes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start executing a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

func init() {
	taskCmd.PersistentFlags().String("addr", "127.0.0.1:8787", "Server address")

	taskCreateCmd.Flags().String("mode", "workflow", "Task mode: conversation or workflow")
	taskCreateCmd.Flags().String("tool", "claude", "Tool id for the task's sessions")
	taskCreateCmd.Flags().String("profile", "", "Named config profile")
	taskCreateCmd.Flags().StringArray("node", nil, "Node prompt (repeat for multiple nodes)")
	taskCreateCmd.Flags().Bool("approve", false, "Require approval on every node")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskStartCmd)

	for _, transition := range []string{"approve", "reject", "retry", "cancel"} {
		t := transition
		taskCmd.AddCommand(&cobra.Command{
			Use:   t + " <node-id>",
			Short: capitalize(t) + " a task node",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var node task.Node
				if err := taskClient(cmd).post("/api/nodes/"+args[0]+"/"+t, nil, &node); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "node %s -> %s\n", node.ID, node.Status)
				return nil
			},
		})
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func taskClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	return newAPIClient(addr)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := taskClient(cmd).get("/api/tasks", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return nil
	}
	for _, t := range resp.Tasks {
		fmt.Fprintf(out, "%s  %-12s  %-12s  %s\n", t.ID, t.Mode, t.Status, t.Title)
	}
	return nil
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	tool, _ := cmd.Flags().GetString("tool")
	profile, _ := cmd.Flags().GetString("profile")
	prompts, _ := cmd.Flags().GetStringArray("node")
	approve, _ := cmd.Flags().GetBool("approve")

	if len(prompts) == 0 {
		return fmt.Errorf("at least one --node prompt is required")
	}

	nodes := make([]map[string]any, len(prompts))
	for i, p := range prompts {
		nodes[i] = map[string]any{"prompt": p, "requires_approval": approve}
	}

	var created task.Task
	err := taskClient(cmd).post("/api/tasks", map[string]any{
		"title":     args[0],
		"mode":      mode,
		"tool_id":   tool,
		"config_id": profile,
		"nodes":     nodes,
	}, &created)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created task %s (%d nodes)\n", created.ID, len(nodes))
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var resp struct {
		Task  task.Task    `json:"task"`
		Nodes []*task.Node `json:"nodes"`
	}
	if err := taskClient(cmd).get("/api/tasks/"+args[0], &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s (%s, %s)\n", resp.Task.ID, resp.Task.Title, resp.Task.Mode, resp.Task.Status)
	for _, n := range resp.Nodes {
		line := fmt.Sprintf("  %d. [%s] %s", n.NodeOrder+1, n.Status, n.Prompt)
		if n.ReviewReason != "" {
			line += fmt.Sprintf(" (review: %s)", n.ReviewReason)
		}
		if n.ErrorMessage != "" {
			line += fmt.Sprintf(" error: %s", n.ErrorMessage)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	var node task.Node
	if err := taskClient(cmd).post("/api/tasks/"+args[0]+"/start", nil, &node); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "started node %s (order %d)\n", node.ID, node.NodeOrder)
	return nil
}
