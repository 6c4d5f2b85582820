package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator state",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callCoordinator("status", nil)
		if err != nil {
			return err
		}

		var b strings.Builder
		if requests, ok := result["requests"].([]any); ok {
			fmt.Fprintf(&b, "Requests (%d):\n", len(requests))
			for _, item := range requests {
				req, ok := item.(map[string]any)
				if !ok {
					continue
				}
				fmt.Fprintf(&b, "  %-14s tier=%v %-15s %s\n",
					req["id"], req["tier"], req["status"], truncate(str(req["description"]), 60))
			}
		}
		if workers, ok := result["workers"].([]any); ok {
			fmt.Fprintf(&b, "Workers (%d):\n", len(workers))
			for _, item := range workers {
				w, ok := item.(map[string]any)
				if !ok {
					continue
				}
				line := fmt.Sprintf("  worker-%v %-15s", w["id"], w["status"])
				if task, ok := w["current_task_id"]; ok {
					line += fmt.Sprintf(" task=%v", task)
				}
				if domain, ok := w["domain"]; ok {
					line += fmt.Sprintf(" domain=%v", domain)
				}
				b.WriteString(line + "\n")
			}
		}
		fmt.Fprintf(&b, "Ready tasks: %v\n", result["ready_tasks"])

		cmd.Print(b.String())
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the coordinator is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callCoordinator("ping", nil)
		if err != nil {
			return err
		}
		cmd.Printf("ok (version %v)\n", result["version"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pingCmd)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
