package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/creovision/governor/pkg/maintenance"
	"github.com/creovision/governor/pkg/mcp"
	"github.com/creovision/governor/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the governor HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, *configPath, func(ctx context.Context, a *app) error {
				addr := a.cfg.Listen
				if listen != "" {
					addr = listen
				}
				a.log.Info("starting governor", "config", *configPath, "providers", len(a.cfg.Providers),
					"cache", a.cfg.Cache.Backend, "ledger", a.cfg.Ledger.Backend)
				sched, err := a.scheduler()
				if err != nil {
					return err
				}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return server.New(addr, a.gov, a.registry, a.log).ListenAndServe(ctx) })
				g.Go(func() error { return sched.Run(ctx) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve governor state to MCP clients over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, *configPath, func(ctx context.Context, a *app) error {
				var messages mcp.MessageSearcher
				if a.journal != nil {
					messages = a.journal
				}
				return mcp.New(a.gov, messages, version, a.log).Run(ctx)
			})
		},
	}
}

// scheduler registers the upkeep jobs enabled by the config.
func (a *app) scheduler() (*maintenance.Scheduler, error) {
	s := maintenance.New(a.log)
	if err := s.Add("cache_purge", a.cfg.Maintenance.CachePurge, func(ctx context.Context) (int64, error) {
		return a.cache.Purge(ctx, true)
	}); err != nil {
		return nil, err
	}
	if err := s.Add("rate_limit_prune", a.cfg.Maintenance.RateLimitPrune, func(context.Context) (int64, error) {
		return int64(a.limiter.Prune()), nil
	}); err != nil {
		return nil, err
	}
	if a.journal != nil {
		if err := s.Add("journal_cleanup", a.cfg.Maintenance.JournalCleanup, a.journal.Cleanup); err != nil {
			return nil, err
		}
	}
	return s, nil
}
