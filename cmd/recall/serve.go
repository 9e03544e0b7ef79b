package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danieldreier/mcp-recall/internal/autosync"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Long: `Serve the recall tools over the MCP stdio transport. Unless --no-sync is
given, the server also imports the sync folder's snapshot at startup, exports
to it after reviews and at most once a day, and logs a daily reminder when
problems are due.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if !noSync {
				runner, err := a.newRunner()
				if err != nil {
					return err
				}
				a.svc.OnReview = runner.Trigger
				if err := runner.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := runner.Stop(); err != nil {
						a.logger.Warn("Failed to stop sync runner", zap.Error(err))
					}
				}()
			}

			a.logger.Info("Serving MCP over stdio",
				zap.String("version", version),
				zap.String("db", a.store.Path()))
			if err := server.ServeStdio(newMCPServer(a.svc)); err != nil {
				return fmt.Errorf("error serving MCP server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "disable background sync and reminders")
	return cmd
}

func (a *app) newRunner() (*autosync.Runner, error) {
	logger := a.logger
	return autosync.New(a.svc.Reconciler, a.store, &autosync.Config{
		Interval: a.cfg.Sync.Interval,
		Debounce: a.cfg.Sync.Debounce,
		Notify: func(due int) {
			logger.Info("Problems due for review", zap.Int("due", due))
		},
		Logger: logger.Named("autosync"),
		Now:    func() time.Time { return timeNow() },
	})
}
