package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "relief",
	Short: "Offline-first disaster relief data: API server, sync agent and tools",
	Long: `relief serves the alerts, reports and resources API and keeps a local
copy of it usable while the network is down. Changes made offline are
queued and delivered when the server is reachable again.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the default logger at the
// configured level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	return cfg, nil
}
