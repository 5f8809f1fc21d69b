package main

import (
	"fmt"
	"os"

	"github.com/cuemby/hive/pkg/config"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - distributed task grid",
	Long: `Hive splits jobs into tasks and runs them on a grid of worker nodes.

A driver accepts jobs, keeps them in a priority queue and dispatches bundles
of tasks to connected nodes, sized by a load-balancing strategy. Nodes that
stop answering heartbeats are failed and their tasks resubmitted.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hive version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default hive.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")

	rootCmd.AddCommand(driverCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration file, applies the global flags and
// initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(cfg.LogConfig())
	metrics.SetVersion(Version)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	return cfg, nil
}
