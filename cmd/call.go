package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/rpc"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <command> [key=value ...]",
	Short: "Send a command to the coordinator",
	Long: `Sends one command over the coordinator socket and prints the JSON
response. Arguments are key=value pairs; values parse as JSON when possible
(numbers, booleans, arrays), otherwise as strings:

  maestro call request description="add rate limiting to the API"
  maestro call complete-task task_id=12 worker_id=3 \
      pr_url=https://github.com/acme/app/pull/42 branch=task-12`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callArgs, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		result, err := callCoordinator(args[0], callArgs)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second,
		"round-trip timeout (raise for inbox-block)")
	rootCmd.AddCommand(callCmd)
}

// callCoordinator dials the socket and runs one command.
func callCoordinator(command string, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	client := rpc.NewClient(socketPath())
	return client.Call(ctx, command, args)
}

// parseArgs converts key=value pairs into a JSON-shaped args map. Each value
// is tried as JSON first so numbers and arrays keep their types.
func parseArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		args[key] = parseValue(value)
	}
	return args, nil
}

func parseValue(value string) any {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return value
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
