package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	policySetStrategy string
	policySetFile     string
	policySetOverride bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage failover policies",
	Long: `Manage the global failover policy and per-machine overrides.

A policy picks the default strategy and configures each phase. Machine
policies replace the global one entirely when override is set, otherwise
only their default strategy applies.`,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all policies",
	RunE:  runPolicyList,
}

var policyGetCmd = &cobra.Command{
	Use:   "get [machine-id]",
	Short: "Show the global policy, or a machine's policy",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyGet,
}

var policySetCmd = &cobra.Command{
	Use:   "set [machine-id]",
	Short: "Write the global policy, or a machine's policy",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicySet,
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete [machine-id]",
	Short: "Remove a machine's policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyDelete,
}

func init() {
	rootCmd.AddCommand(policyCmd)

	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policySetCmd)
	policyCmd.AddCommand(policyDeleteCmd)

	policySetCmd.Flags().StringVarP(&policySetStrategy, "strategy", "s", "", "Default strategy (warm_pool, regional_volume, cpu_standby, both, all, disabled)")
	policySetCmd.Flags().StringVarP(&policySetFile, "file", "f", "", "Read the full policy document from a JSON file")
	policySetCmd.Flags().BoolVar(&policySetOverride, "override", false, "Machine policy replaces the global one entirely")
}

func policyPath(args []string) string {
	if len(args) == 0 {
		return "/api/v1/policies/global"
	}
	return "/api/v1/policies/machines/" + args[0]
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	var result struct {
		Policies []models.FailoverPolicy `json:"policies"`
		Count    int                     `json:"count"`
	}
	if err := apiGet("/api/v1/policies", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Policies) == 0 {
		fmt.Println("No policies configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tSTRATEGY\tWARM POOL\tREGIONAL\tCPU STANDBY\tOVERRIDE")
	fmt.Fprintln(w, "-----\t--------\t---------\t--------\t-----------\t--------")
	for _, p := range result.Policies {
		scope := p.MachineID
		if scope == "" {
			scope = "(global)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			scope,
			p.DefaultStrategy,
			enabledString(p.WarmPool.Enabled),
			enabledString(p.RegionalVolume.Enabled),
			enabledString(p.CPUStandby.Enabled),
			p.Override,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d policies\n", result.Count)
	return nil
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	var policy models.FailoverPolicy
	if err := apiGet(policyPath(args), nil, &policy); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(policy)
	}

	printPolicy(&policy)
	return nil
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	var body any
	switch {
	case policySetFile != "":
		data, err := os.ReadFile(policySetFile)
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		body = json.RawMessage(data)
	case policySetStrategy != "":
		doc := map[string]any{
			"default_strategy": policySetStrategy,
		}
		if cmd.Flags().Changed("override") {
			doc["override"] = policySetOverride
		}
		body = doc
	default:
		return fmt.Errorf("either --file or --strategy is required")
	}

	var policy models.FailoverPolicy
	if err := apiSend("PUT", policyPath(args), body, http.StatusOK, &policy); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(policy)
	}

	fmt.Println("Policy saved.")
	fmt.Println()
	printPolicy(&policy)
	return nil
}

func runPolicyDelete(cmd *cobra.Command, args []string) error {
	machineID := args[0]

	var result struct {
		Message   string `json:"message"`
		MachineID string `json:"machine_id"`
	}
	if err := apiSend("DELETE", "/api/v1/policies/machines/"+machineID, nil, http.StatusOK, &result); err != nil {
		return err
	}

	fmt.Printf("Policy for machine %s removed.\n", machineID)
	return nil
}

func printPolicy(p *models.FailoverPolicy) {
	scope := p.MachineID
	if scope == "" {
		scope = "(global)"
	}
	fmt.Printf("Scope:            %s\n", scope)
	fmt.Printf("Strategy:         %s\n", p.DefaultStrategy)
	fmt.Printf("Warm Pool:        %s\n", enabledString(p.WarmPool.Enabled))
	fmt.Printf("Regional Volume:  %s\n", enabledString(p.RegionalVolume.Enabled))
	fmt.Printf("CPU Standby:      %s\n", enabledString(p.CPUStandby.Enabled))
	fmt.Printf("Override:         %v\n", p.Override)
	if !p.UpdatedAt.IsZero() {
		fmt.Printf("Updated:          %s\n", p.UpdatedAt.Format(time.RFC3339))
	}
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
