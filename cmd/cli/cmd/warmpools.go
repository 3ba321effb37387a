package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	poolVolumeSize      int
	poolHealthInterval  int
	poolFailThreshold   int
	poolReprovision     bool
	poolMaxStandbyPrice float64
)

// poolStatus mirrors the warm pool status payload. Timestamps stay strings
// because the CLI displays them as received.
type poolStatus struct {
	MachineID        string `json:"machine_id"`
	State            string `json:"state"`
	VolumeID         string `json:"volume_id,omitempty"`
	PrimaryID        string `json:"primary_id,omitempty"`
	StandbyID        string `json:"standby_id,omitempty"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

var warmpoolsCmd = &cobra.Command{
	Use:   "warmpools",
	Short: "Manage warm standby pools",
	Long:  `Manage warm pools: a standby instance plus shared volume kept ready per machine.`,
}

var warmpoolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List warm pools",
	RunE:  runWarmpoolsList,
}

var warmpoolsProvisionCmd = &cobra.Command{
	Use:   "provision [machine-id]",
	Short: "Provision a warm pool for a machine",
	Args:  cobra.ExactArgs(1),
	RunE:  runWarmpoolsProvision,
}

var warmpoolsStatusCmd = &cobra.Command{
	Use:   "status [machine-id]",
	Short: "Show a warm pool's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runWarmpoolsStatus,
}

var warmpoolsDeprovisionCmd = &cobra.Command{
	Use:   "deprovision [machine-id]",
	Short: "Tear a warm pool down",
	Args:  cobra.ExactArgs(1),
	RunE:  runWarmpoolsDeprovision,
}

func init() {
	rootCmd.AddCommand(warmpoolsCmd)

	warmpoolsCmd.AddCommand(warmpoolsListCmd)
	warmpoolsCmd.AddCommand(warmpoolsProvisionCmd)
	warmpoolsCmd.AddCommand(warmpoolsStatusCmd)
	warmpoolsCmd.AddCommand(warmpoolsDeprovisionCmd)

	warmpoolsProvisionCmd.Flags().IntVar(&poolVolumeSize, "volume-size", 0, "Shared volume size in GB (0 = server default)")
	warmpoolsProvisionCmd.Flags().IntVar(&poolHealthInterval, "health-interval", 0, "Health probe interval in seconds")
	warmpoolsProvisionCmd.Flags().IntVar(&poolFailThreshold, "fail-threshold", 0, "Consecutive probe failures before failover")
	warmpoolsProvisionCmd.Flags().BoolVar(&poolReprovision, "reprovision-standby", false, "Rent a fresh standby after each promotion")
	warmpoolsProvisionCmd.Flags().Float64Var(&poolMaxStandbyPrice, "max-standby-price", 0, "Maximum standby price per hour")
}

func runWarmpoolsList(cmd *cobra.Command, args []string) error {
	var result struct {
		Pools      []poolStatus `json:"pools"`
		Count      int          `json:"count"`
		HealthLoop bool         `json:"health_loop"`
	}
	if err := apiGet("/api/v1/warmpools", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Pools) == 0 {
		fmt.Println("No warm pools configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tSTATE\tPRIMARY\tSTANDBY\tVOLUME\tFAILS")
	fmt.Fprintln(w, "-------\t-----\t-------\t-------\t------\t-----")
	for _, pool := range result.Pools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			pool.MachineID,
			pool.State,
			orDash(pool.PrimaryID),
			orDash(pool.StandbyID),
			orDash(pool.VolumeID),
			pool.ConsecutiveFails,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d pools (health loop: %v)\n", result.Count, result.HealthLoop)
	return nil
}

func runWarmpoolsProvision(cmd *cobra.Command, args []string) error {
	machineID := args[0]

	reqBody := map[string]any{
		"enabled": true,
	}
	if poolVolumeSize > 0 {
		reqBody["volume_size_gb"] = poolVolumeSize
	}
	if poolHealthInterval > 0 {
		reqBody["health_interval_s"] = poolHealthInterval
	}
	if poolFailThreshold > 0 {
		reqBody["fail_threshold"] = poolFailThreshold
	}
	if poolReprovision {
		reqBody["reprovision_standby"] = true
	}
	if poolMaxStandbyPrice > 0 {
		reqBody["max_standby_price_hour"] = poolMaxStandbyPrice
	}

	var status poolStatus
	if err := apiSend("POST", "/api/v1/warmpools/"+machineID, reqBody, http.StatusCreated, &status); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	fmt.Printf("Warm pool for machine %s provisioned.\n", machineID)
	fmt.Println()
	printPoolStatus(&status)
	return nil
}

func runWarmpoolsStatus(cmd *cobra.Command, args []string) error {
	machineID := args[0]

	var status poolStatus
	if err := apiGet("/api/v1/warmpools/"+machineID, nil, &status); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	printPoolStatus(&status)
	return nil
}

func runWarmpoolsDeprovision(cmd *cobra.Command, args []string) error {
	machineID := args[0]

	var result struct {
		Message   string `json:"message"`
		MachineID string `json:"machine_id"`
	}
	if err := apiSend("DELETE", "/api/v1/warmpools/"+machineID, nil, http.StatusOK, &result); err != nil {
		return err
	}

	fmt.Printf("Warm pool for machine %s deprovisioned.\n", machineID)
	return nil
}

func printPoolStatus(status *poolStatus) {
	fmt.Printf("Machine:   %s\n", status.MachineID)
	fmt.Printf("State:     %s\n", status.State)
	fmt.Printf("Primary:   %s\n", orDash(status.PrimaryID))
	fmt.Printf("Standby:   %s\n", orDash(status.StandbyID))
	fmt.Printf("Volume:    %s\n", orDash(status.VolumeID))
	fmt.Printf("Failures:  %d\n", status.ConsecutiveFails)
	if status.UpdatedAt != "" {
		fmt.Printf("Updated:   %s\n", status.UpdatedAt)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
