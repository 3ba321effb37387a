package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	standbyZone   string
	standbyDiskGB int
	standbyLabel  string
)

// standbyInstance mirrors the auxiliary provider's instance payload
type standbyInstance struct {
	ID           string  `json:"id"`
	MachineType  string  `json:"machine_type"`
	Zone         string  `json:"zone"`
	Status       string  `json:"status"`
	SSHHost      string  `json:"ssh_host,omitempty"`
	SSHPort      int     `json:"ssh_port,omitempty"`
	PricePerHour float64 `json:"price_per_hour"`
	CreatedAt    string  `json:"created_at"`
}

var standbyCmd = &cobra.Command{
	Use:   "standby",
	Short: "Manage CPU standby instances",
	Long:  `Manage CPU standby instances on the auxiliary spot provider.`,
}

var standbyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List standby instances",
	RunE:  runStandbyList,
}

var standbyProvisionCmd = &cobra.Command{
	Use:   "provision [machine-type]",
	Short: "Provision a standby instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runStandbyProvision,
}

var standbyDestroyCmd = &cobra.Command{
	Use:   "destroy [instance-id]",
	Short: "Destroy a standby instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runStandbyDestroy,
}

var standbyPriceCmd = &cobra.Command{
	Use:   "price [machine-type]",
	Short: "Show the current spot price for a machine type",
	Args:  cobra.ExactArgs(1),
	RunE:  runStandbyPrice,
}

func init() {
	rootCmd.AddCommand(standbyCmd)

	standbyCmd.AddCommand(standbyListCmd)
	standbyCmd.AddCommand(standbyProvisionCmd)
	standbyCmd.AddCommand(standbyDestroyCmd)
	standbyCmd.AddCommand(standbyPriceCmd)

	standbyProvisionCmd.Flags().StringVar(&standbyZone, "zone", "", "Zone to provision in (required)")
	standbyProvisionCmd.Flags().IntVar(&standbyDiskGB, "disk-gb", 0, "Disk allocation in GB")
	standbyProvisionCmd.Flags().StringVar(&standbyLabel, "label", "", "Label for the instance")
	standbyProvisionCmd.MarkFlagRequired("zone")

	standbyPriceCmd.Flags().StringVar(&standbyZone, "zone", "", "Zone to price (required)")
	standbyPriceCmd.MarkFlagRequired("zone")
}

func runStandbyList(cmd *cobra.Command, args []string) error {
	var result struct {
		Instances []standbyInstance `json:"instances"`
		Count     int               `json:"count"`
	}
	if err := apiGet("/api/v1/standby", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Instances) == 0 {
		fmt.Println("No standby instances.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tZONE\tSTATUS\tSSH\tPRICE/HR")
	fmt.Fprintln(w, "--\t----\t----\t------\t---\t--------")
	for _, inst := range result.Instances {
		ssh := "-"
		if inst.SSHHost != "" {
			ssh = fmt.Sprintf("%s:%d", inst.SSHHost, inst.SSHPort)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t$%.4f\n",
			inst.ID,
			inst.MachineType,
			inst.Zone,
			inst.Status,
			ssh,
			inst.PricePerHour,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d instances\n", result.Count)
	return nil
}

func runStandbyProvision(cmd *cobra.Command, args []string) error {
	reqBody := map[string]any{
		"machine_type": args[0],
		"zone":         standbyZone,
	}
	if standbyDiskGB > 0 {
		reqBody["disk_gb"] = standbyDiskGB
	}
	if standbyLabel != "" {
		reqBody["label"] = standbyLabel
	}

	var inst standbyInstance
	if err := apiSend("POST", "/api/v1/standby", reqBody, http.StatusCreated, &inst); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(inst)
	}

	fmt.Printf("Standby instance %s provisioned.\n", inst.ID)
	fmt.Printf("Type:      %s\n", inst.MachineType)
	fmt.Printf("Zone:      %s\n", inst.Zone)
	fmt.Printf("Status:    %s\n", inst.Status)
	fmt.Printf("Price:     $%.4f/hr\n", inst.PricePerHour)
	return nil
}

func runStandbyDestroy(cmd *cobra.Command, args []string) error {
	instanceID := args[0]

	var result struct {
		Message    string `json:"message"`
		InstanceID string `json:"instance_id"`
	}
	if err := apiSend("DELETE", "/api/v1/standby/"+instanceID, nil, http.StatusOK, &result); err != nil {
		return err
	}

	fmt.Printf("Standby instance %s destroyed.\n", instanceID)
	return nil
}

func runStandbyPrice(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("machine_type", args[0])
	params.Set("zone", standbyZone)

	var pricing struct {
		MachineType  string  `json:"machine_type"`
		Zone         string  `json:"zone"`
		PricePerHour float64 `json:"price_per_hour"`
		Currency     string  `json:"currency"`
	}
	if err := apiGet("/api/v1/standby/pricing", params, &pricing); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(pricing)
	}

	fmt.Printf("%s in %s: %.4f %s/hr\n",
		pricing.MachineType, pricing.Zone, pricing.PricePerHour, pricing.Currency)
	return nil
}
