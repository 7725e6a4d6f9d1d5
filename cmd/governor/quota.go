package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newQuotaCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and manage conversation quotas",
	}

	showCmd := &cobra.Command{
		Use:   "show <identity>",
		Short: "Show an identity's quota snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				snap, err := a.gov.QuotaSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <identity>",
		Short: "Start a new conversation, keeping purchased messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				sess, err := a.gov.Reset(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("New session %s for %s.\n", sess.ID, args[0])
				return nil
			})
		},
	}

	extendCmd := &cobra.Command{
		Use:   "extend <identity>",
		Short: "Buy more messages with the identity's credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				ext, err := a.gov.Extend(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(ext); err != nil {
					return err
				}
				if !ext.Granted {
					return fmt.Errorf("extension refused: %s", ext.Message)
				}
				return nil
			})
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recently active conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				sessions, err := a.gov.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "IDENTITY\tSESSION ID\tSTAGE\tFREE\tPAID\tAVAILABLE\tCREDITS SPENT\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
						s.Identity, s.ID, s.Stage, s.FreeUsed, s.PaidUsed, s.PaidAvailable, s.CreditsSpent,
						s.UpdatedAt.Format("2006-01-02T15:04:05"))
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "max sessions to show")

	cmd.AddCommand(showCmd, resetCmd, extendCmd, listCmd)
	return cmd
}
