package main

import (
	"fmt"

	"gateway-reconciler/internal/models"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var seedMerchantCmd = &cobra.Command{
	Use:   "seed-merchant <merchant-id>",
	Short: "Create or update a merchant and its opening balance",
	Example: `  reconcilectl seed-merchant M1001 --name "Demo" --secret s3cret \
    --payin-gateway easypay --payout-gateway banklink --payin-fee 0.02 \
    --payout-fee 0.01 --payout-fixed 40 --opening 5000`,
	Args: cobra.ExactArgs(1),
	RunE: runSeedMerchant,
}

func init() {
	f := seedMerchantCmd.Flags()
	f.String("name", "", "merchant display name")
	f.String("secret", "", "merchant signing secret")
	f.String("payin-gateway", "", "gateway code for pay-ins")
	f.String("payout-gateway", "", "gateway code for pay-outs")
	f.String("payin-fee", "0", "pay-in fee rate")
	f.String("payout-fee", "0", "pay-out fee rate")
	f.String("payout-fixed", "0", "fixed pay-out fee")
	f.String("opening", "0", "opening available balance (only applied to a new ledger)")
	f.Bool("disabled", false, "create the merchant disabled")
	_ = seedMerchantCmd.MarkFlagRequired("secret")
}

func runSeedMerchant(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	secret, _ := f.GetString("secret")
	payIn, _ := f.GetString("payin-gateway")
	payOut, _ := f.GetString("payout-gateway")
	disabled, _ := f.GetBool("disabled")

	amounts := make(map[string]decimal.Decimal)
	for _, flag := range []string{"payin-fee", "payout-fee", "payout-fixed", "opening"} {
		raw, _ := f.GetString(flag)
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid --%s %q: %w", flag, raw, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("--%s must not be negative", flag)
		}
		amounts[flag] = d
	}

	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	m := &models.Merchant{
		MerchantID:     args[0],
		Name:           name,
		SecretKey:      secret,
		PayInFeeRate:   amounts["payin-fee"],
		PayOutFeeRate:  amounts["payout-fee"],
		PayOutFeeFixed: amounts["payout-fixed"],
		PayInGateway:   payIn,
		PayOutGateway:  payOut,
		Enabled:        !disabled,
	}
	if err := db.SeedMerchant(cmd.Context(), m, amounts["opening"]); err != nil {
		return fmt.Errorf("failed to seed merchant: %w", err)
	}
	fmt.Printf("Merchant %s saved\n", m.MerchantID)
	return nil
}
