// Package cmd implements the maestro CLI. The serve command hosts the
// coordinator daemon; everything else is a thin client over the unix socket.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/coordinator"
	"github.com/zjrosen/maestro/internal/store"
)

var (
	version    = "dev"
	cfgFile    string
	projectDir string
	debug      bool
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Multi-agent orchestration coordinator",
	Long: `Maestro coordinates a fleet of coding agents: it persists requests,
tasks and workers, routes mail between agents, allocates work, supervises
liveness and serializes PR integration.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion records the build version for --version and the ping command.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
	coordinator.Version = v
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: <project>/.maestro/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "",
		"project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("project_dir", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Default()
	viper.SetDefault("max_workers", defaults.MaxWorkers)
	viper.SetDefault("sentinel_command", defaults.SentinelCommand)
	viper.SetDefault("session_name", defaults.SessionName)
	viper.SetDefault("main_branch", defaults.MainBranch)
	viper.SetDefault("allocator_interval", defaults.AllocatorInterval)
	viper.SetDefault("watchdog_interval", defaults.WatchdogInterval)
	viper.SetDefault("merge_interval", defaults.MergeInterval)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	viper.SetEnvPrefix("MAESTRO")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		project := projectDir
		if project == "" {
			project, _ = os.Getwd()
		}
		viper.AddConfigPath(filepath.Join(project, ".maestro"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// A missing config file just means defaults.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// resolveProject returns the effective project directory.
func resolveProject() string {
	if cfg.ProjectDir != "" {
		return cfg.ProjectDir
	}
	wd, _ := os.Getwd()
	return wd
}

// socketPath returns the coordinator socket for the project, honoring an
// explicit override and the hint file.
func socketPath() string {
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return store.SocketPath(resolveProject())
}
