package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCreditsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant ledger credits",
	}

	balanceCmd := &cobra.Command{
		Use:   "balance <identity>",
		Short: "Show an identity's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				bal, _, err := a.gov.Credits(ctx, args[0], 1)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d credits\n", args[0], bal)
				return nil
			})
		},
	}

	var reason string
	grantCmd := &cobra.Command{
		Use:   "grant <identity> <amount>",
		Short: "Deposit credits, opening the account if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount int64
			if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				r, err := a.ledger.Deposit(ctx, args[0], amount, reason)
				if err != nil {
					return err
				}
				fmt.Printf("Granted %d credits to %s (balance %d, tx %s).\n",
					amount, args[0], r.Remaining, r.Transaction.ID)
				return nil
			})
		},
	}
	grantCmd.Flags().StringVar(&reason, "reason", "admin_grant", "ledger reason recorded with the deposit")

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <identity>",
		Short: "List an identity's recent ledger transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				bal, txs, err := a.gov.Credits(ctx, args[0], limit)
				if err != nil {
					return err
				}
				fmt.Printf("Balance: %d\n", bal)
				if len(txs) == 0 {
					fmt.Println("No transactions found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tBALANCE\tREASON\tID")
				for _, tx := range txs {
					fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\t%s\n",
						tx.CreatedAt.Format("2006-01-02T15:04:05"), tx.Kind, tx.Amount, tx.BalanceAfter, tx.Reason, tx.ID)
				}
				return w.Flush()
			})
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "max transactions to show")

	pricesCmd := &cobra.Command{
		Use:   "prices",
		Short: "List feature prices and cache TTLs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FEATURE\tCREDITS\tTTL")
				for _, f := range a.gov.Features() {
					ttl := "route"
					if f.TTL > 0 {
						ttl = f.TTL.String()
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", f.Slug, f.Credits, ttl)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(balanceCmd, grantCmd, historyCmd, pricesCmd)
	return cmd
}
