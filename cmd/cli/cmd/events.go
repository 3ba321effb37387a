package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	eventsInstanceID string
	eventsAction     string
	eventsSince      string
	eventsLimit      int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List lifecycle events",
	Long:  `List the audit trail of instance lifecycle actions.`,
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVarP(&eventsInstanceID, "instance", "i", "", "Filter by instance ID")
	eventsCmd.Flags().StringVarP(&eventsAction, "action", "a", "", "Filter by action (create, destroy, pause, resume, hibernate, wake)")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Only events after this RFC3339 timestamp")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Maximum events to return")
}

func runEvents(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if eventsInstanceID != "" {
		params.Set("instance_id", eventsInstanceID)
	}
	if eventsAction != "" {
		params.Set("action", eventsAction)
	}
	if eventsSince != "" {
		params.Set("since", eventsSince)
	}
	if eventsLimit > 0 {
		params.Set("limit", strconv.Itoa(eventsLimit))
	}

	var result struct {
		Events []models.LifecycleEvent `json:"events"`
		Count  int                     `json:"count"`
	}
	if err := apiGet("/api/v1/events", params, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tINSTANCE\tACTION\tOK\tCALLER\tREASON")
	fmt.Fprintln(w, "----\t--------\t------\t--\t------\t------")
	for _, event := range result.Events {
		ok := "yes"
		if !event.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.CreatedAt.Format(time.RFC3339),
			event.InstanceID,
			event.Action,
			ok,
			event.CallerSource,
			truncateString(event.Reason, 60),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d events\n", result.Count)
	return nil
}
