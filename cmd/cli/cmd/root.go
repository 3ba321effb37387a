package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gpufleet",
	Short: "GPU fleet CLI - drive the fleet controller",
	Long: `gpufleet is the operator CLI for the GPU fleet controller.

This CLI tool allows you to:
- Trigger and inspect machine failovers
- Capture, restore and clean up workspace snapshots
- Rent, pause, hibernate and destroy GPU instances
- Manage failover policies and warm pools`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("GPUFLEET_URL", "http://localhost:8080"), "Fleet controller URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
