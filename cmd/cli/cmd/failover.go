package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	failoverMachineID  string
	failoverInstanceID string
	failoverSSHHost    string
	failoverSSHPort    int
	failoverWorkspace  string
	failoverStrategy   string
	failoverReason     string

	historyMachineID string
	historySucceeded bool
	historyLimit     int
)

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Run and inspect machine failovers",
	Long:  `Run a failover for a GPU machine and inspect past attempts.`,
}

var failoverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fail a machine over to its recovery path",
	RunE:  runFailoverRun,
}

var failoverHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past failover attempts",
	RunE:  runFailoverHistory,
}

var failoverReadinessCmd = &cobra.Command{
	Use:   "readiness [machine-id]",
	Short: "Report which strategies could serve a machine right now",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailoverReadiness,
}

func init() {
	rootCmd.AddCommand(failoverCmd)

	failoverCmd.AddCommand(failoverRunCmd)
	failoverCmd.AddCommand(failoverHistoryCmd)
	failoverCmd.AddCommand(failoverReadinessCmd)

	failoverRunCmd.Flags().StringVarP(&failoverMachineID, "machine", "m", "", "Machine ID (required)")
	failoverRunCmd.Flags().StringVarP(&failoverInstanceID, "instance", "i", "", "Failing GPU instance ID (required)")
	failoverRunCmd.Flags().StringVar(&failoverSSHHost, "ssh-host", "", "SSH host of the failing instance")
	failoverRunCmd.Flags().IntVar(&failoverSSHPort, "ssh-port", 0, "SSH port of the failing instance")
	failoverRunCmd.Flags().StringVar(&failoverWorkspace, "workspace", "", "Workspace path to carry over")
	failoverRunCmd.Flags().StringVar(&failoverStrategy, "strategy", "", "Force a single strategy (warm_pool, regional_volume, cpu_standby)")
	failoverRunCmd.Flags().StringVar(&failoverReason, "reason", "", "Reason recorded with the failover")
	failoverRunCmd.MarkFlagRequired("machine")
	failoverRunCmd.MarkFlagRequired("instance")

	failoverHistoryCmd.Flags().StringVarP(&historyMachineID, "machine", "m", "", "Filter by machine ID")
	failoverHistoryCmd.Flags().BoolVar(&historySucceeded, "succeeded", false, "Only show failovers that produced a new instance")
	failoverHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum records to return")
}

func runFailoverRun(cmd *cobra.Command, args []string) error {
	reqBody := map[string]any{
		"machine_id":      failoverMachineID,
		"gpu_instance_id": failoverInstanceID,
	}
	if failoverSSHHost != "" {
		reqBody["ssh_host"] = failoverSSHHost
	}
	if failoverSSHPort > 0 {
		reqBody["ssh_port"] = failoverSSHPort
	}
	if failoverWorkspace != "" {
		reqBody["workspace_path"] = failoverWorkspace
	}
	if failoverStrategy != "" {
		reqBody["force_strategy"] = failoverStrategy
	}
	if failoverReason != "" {
		reqBody["reason"] = failoverReason
	}

	var record models.FailoverRecord
	if err := apiSend("POST", "/api/v1/failover", reqBody, http.StatusOK, &record); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(record)
	}

	fmt.Println("Failover complete!")
	fmt.Println()
	fmt.Printf("Record ID:     %s\n", record.ID)
	fmt.Printf("Machine:       %s\n", record.MachineID)
	fmt.Printf("Strategy:      %s\n", record.StrategySucceeded)
	fmt.Printf("New Instance:  %s\n", record.NewInstanceID)
	if record.NewSSHHost != "" {
		fmt.Printf("SSH:           %s:%d\n", record.NewSSHHost, record.NewSSHPort)
	}
	fmt.Printf("Total:         %dms\n", record.TotalMs)
	printPhases(&record)

	return nil
}

func printPhases(record *models.FailoverRecord) {
	phases := []struct {
		name string
		ms   int64
		err  string
	}{
		{"warm_pool", record.WarmPoolAttemptMs, record.WarmPoolError},
		{"regional_volume", record.RegionalVolumeAttemptMs, record.RegionalVolumeError},
		{"cpu_standby", record.CPUStandbyAttemptMs, record.CPUStandbyError},
	}

	fmt.Println("\nPhases:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, p := range phases {
		switch {
		case p.ms == 0 && p.err == "":
			fmt.Fprintf(w, "  %s\tskipped\t\n", p.name)
		case p.err != "":
			fmt.Fprintf(w, "  %s\t%dms\t%s\n", p.name, p.ms, truncateString(p.err, 80))
		default:
			fmt.Fprintf(w, "  %s\t%dms\tok\n", p.name, p.ms)
		}
	}
	w.Flush()
}

func runFailoverHistory(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if historyMachineID != "" {
		params.Set("machine_id", historyMachineID)
	}
	if historySucceeded {
		params.Set("succeeded_only", "true")
	}
	if historyLimit > 0 {
		params.Set("limit", strconv.Itoa(historyLimit))
	}

	var result struct {
		Failovers []models.FailoverRecord `json:"failovers"`
		Count     int                     `json:"count"`
	}
	if err := apiGet("/api/v1/failover", params, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Failovers) == 0 {
		fmt.Println("No failovers recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMACHINE\tATTEMPTED\tSUCCEEDED\tNEW INSTANCE\tTOTAL\tWHEN")
	fmt.Fprintln(w, "--\t-------\t---------\t---------\t------------\t-----\t----")
	for _, r := range result.Failovers {
		succeeded := string(r.StrategySucceeded)
		if succeeded == "" {
			succeeded = "-"
		}
		newInstance := r.NewInstanceID
		if newInstance == "" {
			newInstance = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			r.ID,
			r.MachineID,
			r.StrategyAttempted,
			succeeded,
			newInstance,
			r.TotalMs,
			r.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d failovers\n", result.Count)
	return nil
}

func runFailoverReadiness(cmd *cobra.Command, args []string) error {
	machineID := args[0]

	var readiness models.FailoverReadiness
	if err := apiGet("/api/v1/failover/readiness/"+machineID, nil, &readiness); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(readiness)
	}

	fmt.Printf("Machine:            %s\n", readiness.MachineID)
	fmt.Printf("Strategy:           %s\n", readiness.Strategy)
	fmt.Printf("Warm Pool Ready:    %v\n", readiness.WarmPoolReady)
	fmt.Printf("CPU Standby Ready:  %v\n", readiness.CPUStandbyReady)
	fmt.Printf("Recommendation:     %s\n", readiness.RecommendedAction)
	return nil
}
