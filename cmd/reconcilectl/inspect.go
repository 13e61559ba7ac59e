package main

import (
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <merchant-id>",
	Short: "Show a merchant's available and frozen balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		bal, err := db.GetBalance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(bal)
	},
}

var (
	auditKind  string
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent reconciliation anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := db.ListAudit(cmd.Context(), auditKind, auditLimit)
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

func init() {
	auditCmd.Flags().StringVarP(&auditKind, "kind", "k", "", "filter by kind (unknown_order, duplicate, signature_mismatch, ...)")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "maximum records")
}
