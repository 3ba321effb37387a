package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the marketplace account balance",
	RunE:  runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, args []string) error {
	var balance models.Balance
	if err := apiGet("/api/v1/balance", nil, &balance); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(balance)
	}

	fmt.Printf("Credit:   $%.2f\n", balance.Credit)
	fmt.Printf("Balance:  $%.2f\n", balance.Balance)
	if balance.Email != "" {
		fmt.Printf("Account:  %s\n", balance.Email)
	}
	return nil
}
