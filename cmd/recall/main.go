// Command recall is a spaced-repetition scheduler for coding problems. It
// runs as a CLI for quick reviews and as an MCP server over stdio.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danieldreier/mcp-recall/internal/catalog"
	"github.com/danieldreier/mcp-recall/internal/config"
	"github.com/danieldreier/mcp-recall/internal/logging"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app holds what the commands share once setup has run.
type app struct {
	configFile string
	on         string

	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
	store  *storage.SQLiteStorage
	svc    *RecallService
}

func main() {
	if err := newRootCmd(&app{v: config.New()}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Spaced repetition for coding interview problems",
		Long: `Recall schedules coding problems for review with the SM-2 algorithm.
Each day's session holds five problems; load more when you want to keep going.

Run "recall serve" to expose the same operations as MCP tools over stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default "+config.Dir()+"/config.yaml)")
	flags.String("db", "", "path to the progress database")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-file", "", "also write JSON logs to this file")
	flags.Int("session-limit", 0, "problems per daily session")
	flags.StringVar(&a.on, "on", "", `act as if today were this day, e.g. "tomorrow" or "2024-06-01"`)
	if err := config.BindFlags(a.v, flags); err != nil {
		panic(err)
	}

	root.AddCommand(
		newListCmd(a),
		newShowCmd(a),
		newDueCmd(a),
		newNextCmd(a),
		newReviewCmd(a),
		newStartCmd(a),
		newRateCmd(a),
		newSessionCmd(a),
		newStatsCmd(a),
		newCategoriesCmd(a),
		newPrefCmd(a),
		newResetCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newSyncCmd(a),
		newNoteCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads config, opens the store, seeds the catalog and builds the
// service.
func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}

	if a.on != "" {
		offset, err := parseOn(a.on, time.Now())
		if err != nil {
			return err
		}
		timeNow = func() time.Time { return time.Now().Add(offset) }
		a.logger.Debug("Clock shifted", zap.String("on", a.on), zap.Duration("offset", offset))
	}

	a.store, err = storage.Open(ctx, cfg.DBPath, a.logger)
	if err != nil {
		return err
	}

	entries, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	n, err := a.store.SeedCatalog(ctx, entries)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("Seeded problem catalog", zap.Int("problems", n))
	}

	if cfg.Sync.Folder != "" {
		if err := a.seedSyncFolder(ctx, cfg.Sync.Folder); err != nil {
			return err
		}
	}

	a.svc = NewRecallService(a.store, a.logger)
	a.svc.SessionLimit = cfg.Session.Limit
	return nil
}

func loadCatalog(file string) ([]catalog.Entry, error) {
	if file != "" {
		return catalog.LoadFile(file)
	}
	return catalog.Default()
}

// seedSyncFolder turns sync on for a configured folder unless the user has
// already chosen a folder.
func (a *app) seedSyncFolder(ctx context.Context, folder string) error {
	if _, ok, err := a.store.GetPreference(ctx, storage.PrefSyncFolderPath); err != nil || ok {
		return err
	}
	now := timeNow()
	if err := a.store.SetPreference(ctx, storage.PrefSyncFolderPath, folder, now); err != nil {
		return err
	}
	return a.store.SetPreference(ctx, storage.PrefSyncEnabled, "true", now)
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

// parseOn turns a date such as "2024-06-01" or a phrase such as "next
// friday" into an offset from base.
func parseOn(text string, base time.Time) (time.Duration, error) {
	if d, err := sm2.ParseDate(text, base.Location()); err == nil {
		target := time.Date(d.Year(), d.Month(), d.Day(), base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
		return target.Sub(base), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, base)
	if err != nil {
		return 0, fmt.Errorf("invalid --on %q: %w", text, err)
	}
	if r == nil {
		return 0, fmt.Errorf("invalid --on %q: not a date", text)
	}
	return r.Time.Sub(base), nil
}

// out is where command output goes; tests capture it.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
