// Package autosync runs the background timers of a long-lived recall process:
// importing the sync folder's snapshot at startup, exporting to it at most
// once per local day and after reviews, re-checking the snapshot when another
// device rewrites it, and raising a daily due reminder.
//
// None of this is needed for correctness. A skipped or failed cycle only
// delays an export, an import or a reminder; failures are logged and the
// runner carries on.
package autosync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/snapshot"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Syncer performs the actual export and import.
type Syncer interface {
	AutoExport(ctx context.Context, folder string) (snapshot.ExportResult, error)
	Import(ctx context.Context, snap *snapshot.Snapshot) (snapshot.ImportResult, error)
}

// Store provides the preferences and due counts the runner consults.
type Store interface {
	GetPreference(ctx context.Context, key string) (string, bool, error)
	SetPreference(ctx context.Context, key, value string, now time.Time) error
	CountDue(ctx context.Context, set string, today time.Time) (int, error)
}

// Config holds configuration for the runner.
type Config struct {
	// Interval is how often the export and reminder checks run.
	Interval time.Duration

	// Debounce batches bursts of triggers and file events into one action.
	Debounce time.Duration

	// Notify is called at most once per local day when problems are due.
	Notify func(due int)

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultConfig returns hourly checks with a short debounce.
func DefaultConfig() *Config {
	return &Config{
		Interval: time.Hour,
		Debounce: 500 * time.Millisecond,
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

// Runner owns the background goroutines.
type Runner struct {
	syncer Syncer
	store  Store
	config *Config

	mu            sync.Mutex
	lastExportDay string
	lastWritten   time.Time
	watchedFolder string
	pendingExport time.Time
	pendingImport time.Time
	running       bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a runner. Use Start to begin.
func New(syncer Syncer, store Store, config *Config) (*Runner, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Runner{syncer: syncer, store: store, config: config}, nil
}

// Start runs the startup import, export and reminder, then launches the
// periodic loops. It returns once the loops are running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already running")
	}
	r.running = true
	r.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.config.Logger.Warn("Sync folder watching disabled", zap.Error(err))
	}
	r.watcher = watcher

	r.ImportNow(ctx)
	r.ExportIfDue(ctx)
	r.NotifyIfDue(ctx)
	r.refreshWatch(ctx)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go r.tickLoop(ctx)
	go r.debounceLoop(ctx)
	if r.watcher != nil {
		r.wg.Add(1)
		go r.watchLoop(ctx)
	}
	r.config.Logger.Debug("Autosync started", zap.Duration("interval", r.config.Interval))
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.watcher != nil {
		err = r.watcher.Close()
	}
	r.wg.Wait()
	r.config.Logger.Debug("Autosync stopped")
	return err
}

// Trigger requests an export soon, typically after a review was submitted.
// It never blocks.
func (r *Runner) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingExport = r.config.Now()
}

// folder returns the sync folder when sync is enabled.
func (r *Runner) folder(ctx context.Context) (string, bool) {
	enabled, _, err := r.store.GetPreference(ctx, storage.PrefSyncEnabled)
	if err != nil {
		r.config.Logger.Warn("Failed to read sync preference", zap.Error(err))
		return "", false
	}
	if enabled != "true" {
		return "", false
	}
	folder, ok, err := r.store.GetPreference(ctx, storage.PrefSyncFolderPath)
	if err != nil {
		r.config.Logger.Warn("Failed to read sync folder", zap.Error(err))
		return "", false
	}
	if !ok || folder == "" {
		return "", false
	}
	return folder, true
}

// ExportIfDue exports once per local day. It reports whether an export ran.
func (r *Runner) ExportIfDue(ctx context.Context) bool {
	today := sm2.DateString(r.config.Now())
	r.mu.Lock()
	done := r.lastExportDay == today
	r.mu.Unlock()
	if done {
		return false
	}
	return r.ExportNow(ctx)
}

// ExportNow exports regardless of when the last export ran.
func (r *Runner) ExportNow(ctx context.Context) bool {
	folder, ok := r.folder(ctx)
	if !ok {
		return false
	}
	result, err := r.syncer.AutoExport(ctx, folder)
	if err != nil {
		r.config.Logger.Warn("Auto-export skipped", zap.String("folder", folder), zap.Error(err))
		return false
	}

	r.mu.Lock()
	r.lastExportDay = sm2.DateString(r.config.Now())
	r.lastWritten = result.ExportDate
	r.mu.Unlock()
	return true
}

// ImportNow imports the folder's snapshot if it is newer than local data.
// It reports whether anything was imported.
func (r *Runner) ImportNow(ctx context.Context) bool {
	folder, ok := r.folder(ctx)
	if !ok {
		return false
	}
	snap, err := snapshot.ReadFile(snapshot.PathIn(folder))
	if errors.Is(err, os.ErrNotExist) {
		r.config.Logger.Debug("No sync file found, skipping import", zap.String("folder", folder))
		return false
	}
	if err != nil {
		r.config.Logger.Warn("Auto-import skipped", zap.String("folder", folder), zap.Error(err))
		return false
	}

	r.mu.Lock()
	own := !r.lastWritten.IsZero() && snap.ExportDate.Equal(r.lastWritten)
	r.mu.Unlock()
	if own {
		return false
	}

	result, err := r.syncer.Import(ctx, snap)
	if err != nil {
		r.config.Logger.Warn("Auto-import failed", zap.String("folder", folder), zap.Error(err))
		return false
	}
	return !result.Skipped
}

// NotifyIfDue calls Notify at most once per local day when problems are due.
// The day of the last reminder is kept in preferences so restarts do not
// repeat it.
func (r *Runner) NotifyIfDue(ctx context.Context) bool {
	if r.config.Notify == nil {
		return false
	}
	now := r.config.Now()
	today := sm2.DateString(now)

	last, _, err := r.store.GetPreference(ctx, storage.PrefLastNotifyDate)
	if err != nil {
		r.config.Logger.Warn("Failed to read reminder preference", zap.Error(err))
		return false
	}
	if last == today {
		return false
	}

	due, err := r.store.CountDue(ctx, "", now)
	if err != nil {
		r.config.Logger.Warn("Failed to count due problems", zap.Error(err))
		return false
	}
	if due == 0 {
		return false
	}
	if err := r.store.SetPreference(ctx, storage.PrefLastNotifyDate, today, now); err != nil {
		r.config.Logger.Warn("Failed to record reminder", zap.Error(err))
		return false
	}
	r.config.Notify(due)
	return true
}

// refreshWatch points the watcher at the current sync folder.
func (r *Runner) refreshWatch(ctx context.Context) {
	if r.watcher == nil {
		return
	}
	folder, _ := r.folder(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if folder == r.watchedFolder {
		return
	}
	if r.watchedFolder != "" {
		_ = r.watcher.Remove(r.watchedFolder)
		r.watchedFolder = ""
	}
	if folder == "" {
		return
	}
	if err := r.watcher.Add(folder); err != nil {
		r.config.Logger.Warn("Failed to watch sync folder", zap.String("folder", folder), zap.Error(err))
		return
	}
	r.watchedFolder = folder
	r.config.Logger.Debug("Watching sync folder", zap.String("folder", folder))
}

func (r *Runner) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshWatch(ctx)
			r.ExportIfDue(ctx)
			r.NotifyIfDue(ctx)
		}
	}
}

func (r *Runner) watchLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(event.Name) != snapshot.FileName {
				continue
			}
			r.config.Logger.Debug("Sync file changed", zap.String("op", event.Op.String()))
			r.mu.Lock()
			r.pendingImport = r.config.Now()
			r.mu.Unlock()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.config.Logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// debounceLoop runs queued imports and exports once they have been quiet for
// the debounce interval.
func (r *Runner) debounceLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Runner) processPending(ctx context.Context) {
	now := r.config.Now()

	r.mu.Lock()
	runImport := !r.pendingImport.IsZero() && now.Sub(r.pendingImport) >= r.config.Debounce
	if runImport {
		r.pendingImport = time.Time{}
	}
	runExport := !r.pendingExport.IsZero() && now.Sub(r.pendingExport) >= r.config.Debounce
	if runExport {
		r.pendingExport = time.Time{}
	}
	r.mu.Unlock()

	if runImport {
		r.ImportNow(ctx)
	}
	if runExport {
		r.ExportNow(ctx)
	}
}
