package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/creovision/governor/pkg/models"
)

func newJournalCmd(configPath *string) *cobra.Command {
	var (
		identity string
		session  string
		role     string
		since    string
		limit    int
		stats    bool
		cleanup  bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Search the conversation message journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				if a.journal == nil {
					return fmt.Errorf("message journal is disabled (journal.enabled: false)")
				}

				if cleanup {
					n, err := a.journal.Cleanup(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Deleted %d messages older than %d days.\n", n, a.cfg.Journal.RetentionDays)
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				if stats {
					rows, err := a.journal.Stats(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, "DAY\tROLE\tMESSAGES")
					for _, r := range rows {
						fmt.Fprintf(w, "%s\t%s\t%d\n", r.Day, r.Role, r.Count)
					}
					return w.Flush()
				}

				opts := models.MessageQueryOpts{
					Identity:  identity,
					SessionID: session,
					Role:      role,
					Limit:     limit,
				}
				if since != "" {
					t, err := time.Parse("2006-01-02", since)
					if err != nil {
						return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
					}
					opts.Since = t
				}
				recs, err := a.journal.Query(ctx, opts)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No messages found.")
					return nil
				}
				fmt.Fprintln(w, "TIME\tIDENTITY\tSESSION\tROLE\t#\tFREE\tCONTENT")
				for _, r := range recs {
					content := strings.ReplaceAll(r.Content, "\n", " ")
					if len(content) > 80 {
						content = content[:77] + "..."
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.Identity, r.SessionID, r.Role,
						r.MessageNumber, r.IsFree, content)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "filter by identity")
	cmd.Flags().StringVar(&session, "session", "", "filter by session ID")
	cmd.Flags().StringVar(&role, "role", "", "filter by role (user or assistant)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages to return")
	cmd.Flags().BoolVar(&stats, "stats", false, "show message counts per day and role")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "delete messages past the retention window")
	return cmd
}
