package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fulfillment",
	Short: "Order fulfillment reconciliation service",
	Long:  `Back-office service tracking purchase order receipts, stock allocation, invoice status and preorder matching`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
