package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileAccountID uint

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair webhook account ids for Instagram business-login accounts",
	Long: `Lists each account's recent conversations through the API-scoped id and adopts
the participant id whose username matches the account as the webhook routing id.
Without --account every unreconciled account is processed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if reconcileAccountID != 0 {
			acc, err := a.reconciler.Reconcile(ctx, reconcileAccountID)
			if err != nil {
				return err
			}
			fmt.Printf("account %d -> platform_user_id %s\n", acc.ID, acc.PlatformUserID)
			return nil
		}
		n, err := a.reconciler.ReconcilePending(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reconciled %d account(s)\n", n)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().UintVar(&reconcileAccountID, "account", 0, "account id to reconcile")
	rootCmd.AddCommand(reconcileCmd)
}
