package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/coordinator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long: `Starts the coordinator: opens the state database, binds the command
socket and runs the allocator, watchdog and merger loops until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := coordinator.New(cfg)
		if err != nil {
			return err
		}
		return c.Run(context.Background())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigFilePath(resolveProject())
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		cmd.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}
