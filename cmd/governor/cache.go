package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				stats, err := a.gov.CacheStats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Backend:      %s\nLive entries: %d\n", a.cfg.Cache.Backend, stats.LiveEntries)
				return nil
			})
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				n, err := a.cache.Purge(ctx, expiredOnly)
				if err != nil {
					return err
				}
				if expiredOnly {
					fmt.Printf("Removed %d expired cache entries.\n", n)
				} else {
					fmt.Printf("Removed %d cache entries.\n", n)
				}
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only delete expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
