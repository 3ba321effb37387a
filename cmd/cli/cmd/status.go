package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show controller health",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	// A controller mid-startup answers 503 with the same body, so accept both.
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var health struct {
		Status    string            `json:"status"`
		Timestamp string            `json:"timestamp"`
		Services  map[string]string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(health)
	}

	fmt.Printf("Controller: %s (%s)\n", health.Status, serverURL)

	if len(health.Services) > 0 {
		names := make([]string, 0, len(health.Services))
		for name := range health.Services {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("\nServices:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, name := range names {
			fmt.Fprintf(w, "  %s\t%s\n", name, health.Services[name])
		}
		w.Flush()
	}
	return nil
}
