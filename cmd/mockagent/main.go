// mockagent imitates the Claude Code CLI in stream-json mode. It exists so
// the full pipeline (spawn, normalize, completion detection, resume ids)
// can be exercised without a real agent binary:
//
//	tools:
//	  claude:
//	    executablePath: mockagent
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentdeck/internal/ndjson"
)

func main() {
	fail := flag.Bool("fail", false, "End the turn with an error result")
	authFail := flag.Bool("auth-fail", false, "Print an auth failure to stderr and exit")
	delay := flag.Duration("delay", 20*time.Millisecond, "Delay between emitted events")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	enc := ndjson.NewEncoder(os.Stdout, logger)

	if *authFail {
		fmt.Fprintln(os.Stderr, "Invalid API key. Please run /login")
		os.Exit(1)
	}

	args := flag.Args()
	model := "mock-model"
	var prompt string
	interactive := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--model":
			if i+1 < len(args) {
				model = args[i+1]
				i++
			}
		case "--input-format":
			interactive = true
			i++
		case "-p", "--verbose":
		case "--output-format", "--resume", "--permission-mode":
			i++
		default:
			if !strings.HasPrefix(args[i], "-") {
				prompt = args[i]
			}
		}
	}

	sessionID := uuid.New().String()
	start := time.Now()

	emit := func(v any) {
		if err := enc.Encode(v); err != nil {
			os.Exit(1)
		}
		time.Sleep(*delay)
	}

	emit(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"model":      model,
		"session_id": sessionID,
	})

	turn := func(input string) {
		emit(map[string]any{
			"type":       "assistant",
			"session_id": sessionID,
			"message": map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "Working on: " + input},
					map[string]any{
						"type":  "tool_use",
						"id":    "tool-1",
						"name":  "Bash",
						"input": map[string]any{"command": "echo done"},
					},
				},
			},
		})
		emit(map[string]any{
			"type":       "user",
			"session_id": sessionID,
			"message": map[string]any{
				"content": []any{
					map[string]any{"type": "tool_result", "tool_use_id": "tool-1", "content": "done"},
				},
			},
		})
	}

	if prompt != "" {
		turn(prompt)
	}

	if interactive {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			turn(line)
		}
	}

	result := map[string]any{
		"type":           "result",
		"subtype":        "success",
		"result":         "All requested work is complete.",
		"session_id":     sessionID,
		"total_cost_usd": 0.0042,
		"duration_ms":    time.Since(start).Milliseconds(),
	}
	if *fail {
		result["subtype"] = "error_during_execution"
		result["result"] = "The turn failed."
	}
	emit(result)

	if *fail {
		os.Exit(1)
	}
}
