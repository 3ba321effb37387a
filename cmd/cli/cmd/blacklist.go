package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "List machines currently held out of provisioning",
	RunE:  runBlacklist,
}

func init() {
	rootCmd.AddCommand(blacklistCmd)
}

func runBlacklist(cmd *cobra.Command, args []string) error {
	var result struct {
		Entries []models.BlacklistEntry `json:"entries"`
		Count   int                     `json:"count"`
	}
	if err := apiGet("/api/v1/blacklist", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Entries) == 0 {
		fmt.Println("Blacklist is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tREASON\tADDED\tEXPIRES")
	fmt.Fprintln(w, "-------\t------\t-----\t-------")
	for _, entry := range result.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.MachineID,
			truncateString(entry.Reason, 50),
			entry.CreatedAt.Format(time.RFC3339),
			entry.ExpiresAt.Format(time.RFC3339),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d machines\n", result.Count)
	return nil
}
