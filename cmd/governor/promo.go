package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/creovision/governor/pkg/config"
	"github.com/creovision/governor/pkg/promo"
)

func newPromoCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promo",
		Short: "List and redeem promo codes",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured promo codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			codes := promo.NewCatalog(cfg.Promo.Codes).List()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tANALYSES\tMAX USES\tEXPIRES\tSTATUS\tDESCRIPTION")
			for _, c := range codes {
				maxUses, expires, status := "unlimited", "never", "active"
				if c.MaxUses > 0 {
					maxUses = fmt.Sprint(c.MaxUses)
				}
				if !c.ExpiresAt.IsZero() {
					expires = c.ExpiresAt.Format("2006-01-02")
				}
				if c.Disabled {
					status = "disabled"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", c.Code, c.Analyses, maxUses, expires, status, c.Description)
			}
			return w.Flush()
		},
	}

	redeemCmd := &cobra.Command{
		Use:   "redeem <identity> <code>",
		Short: "Redeem a promo code for an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				r, err := a.gov.Redeem(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if err := printJSON(r); err != nil {
					return err
				}
				if !r.Success {
					return fmt.Errorf("redeem %s: %s", r.Code, r.Status)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, redeemCmd)
	return cmd
}
