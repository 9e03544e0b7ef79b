package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danieldreier/mcp-recall/internal/storage"
	"go.uber.org/zap"
)

// ErrFolderUnavailable is returned when the sync folder is unset or missing.
var ErrFolderUnavailable = errors.New("sync folder unavailable")

// Store is the part of the progress store the reconciler needs.
type Store interface {
	ExportRows(ctx context.Context) ([]storage.ProgressRow, []storage.HistoryRow, error)
	MaxLastReviewedAt(ctx context.Context) (*time.Time, error)
	ApplySnapshot(ctx context.Context, progress []storage.ProgressRow, history []storage.HistoryRow, now time.Time) (int, error)
	SetPreference(ctx context.Context, key, value string, now time.Time) error
}

// Decision explains whether a snapshot would be applied.
type Decision struct {
	ShouldImport bool       `json:"should_import"`
	SnapshotDate time.Time  `json:"snapshot_date"`
	LocalMaxDate *time.Time `json:"local_max_date,omitempty"`
}

// ImportResult reports what an import did.
type ImportResult struct {
	Imported int      `json:"imported_count"`
	Skipped  bool     `json:"skipped"`
	Decision Decision `json:"decision"`
}

// ExportResult reports an export written to a sync folder.
type ExportResult struct {
	OK            bool      `json:"ok"`
	ExportedCount int       `json:"exported_count"`
	Path          string    `json:"path"`
	ExportDate    time.Time `json:"export_date"`
}

// Reconciler moves progress between the local store and snapshots.
type Reconciler struct {
	store      Store
	logger     *zap.Logger
	appVersion string
	now        func() time.Time
}

// NewReconciler creates a reconciler over store. A nil logger discards logs.
func NewReconciler(store Store, logger *zap.Logger, appVersion string) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger, appVersion: appVersion, now: time.Now}
}

// WithClock replaces the reconciler's time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Export builds a snapshot of every reviewed problem and the full history.
func (r *Reconciler) Export(ctx context.Context) (*Snapshot, error) {
	progress, history, err := r.store.ExportRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for export: %w", err)
	}
	snap := FromRows(progress, history, r.appVersion, r.now())
	r.logger.Debug("Snapshot built",
		zap.Int("progress", len(snap.Progress)),
		zap.Int("history", len(snap.History)))
	return snap, nil
}

// ShouldImport decides whether snap is newer than everything reviewed locally.
// An empty local store always accepts. Equal timestamps do not.
func (r *Reconciler) ShouldImport(ctx context.Context, snap *Snapshot) (Decision, error) {
	d := Decision{SnapshotDate: snap.ExportDate}
	localMax, err := r.store.MaxLastReviewedAt(ctx)
	if err != nil {
		return d, fmt.Errorf("failed to read local review date: %w", err)
	}
	d.LocalMaxDate = localMax
	d.ShouldImport = localMax == nil || snap.ExportDate.After(*localMax)
	return d, nil
}

// Import validates snap and, when it is newer than local data, applies it in
// a single transaction. A stale snapshot is skipped without any write.
func (r *Reconciler) Import(ctx context.Context, snap *Snapshot) (ImportResult, error) {
	if snap == nil {
		return ImportResult{}, invalid("", "empty snapshot")
	}
	if err := snap.Validate(); err != nil {
		return ImportResult{}, err
	}

	d, err := r.ShouldImport(ctx, snap)
	if err != nil {
		return ImportResult{}, err
	}
	if !d.ShouldImport {
		r.logger.Debug("Local data is up to date, skipping import",
			zap.Time("snapshot_date", d.SnapshotDate))
		return ImportResult{Skipped: true, Decision: d}, nil
	}

	progress, history, err := snap.Rows()
	if err != nil {
		return ImportResult{}, err
	}
	n, err := r.store.ApplySnapshot(ctx, progress, history, r.now())
	if err != nil {
		r.logger.Error("Failed to apply snapshot", zap.Error(err))
		return ImportResult{}, err
	}
	r.logger.Info("Snapshot imported",
		zap.Int("imported", n),
		zap.Time("snapshot_date", d.SnapshotDate))
	return ImportResult{Imported: n, Decision: d}, nil
}

// WriteFile writes snap to path through a temporary file and a rename, so a
// reader never sees a partial document.
func WriteFile(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := path + ".tmp"
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if err := snap.Encode(f); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// ReadFile reads and validates the snapshot at path.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// PathIn returns the snapshot path inside a sync folder.
func PathIn(folder string) string {
	return filepath.Join(folder, FileName)
}

func checkFolder(folder string) error {
	if folder == "" {
		return fmt.Errorf("%w: no folder configured", ErrFolderUnavailable)
	}
	info, err := os.Stat(folder)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFolderUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrFolderUnavailable, folder)
	}
	return nil
}

// AutoExport writes the current snapshot into folder and records the export
// time in the last_export_date preference.
func (r *Reconciler) AutoExport(ctx context.Context, folder string) (ExportResult, error) {
	if err := checkFolder(folder); err != nil {
		return ExportResult{}, err
	}
	snap, err := r.Export(ctx)
	if err != nil {
		return ExportResult{}, err
	}
	path := PathIn(folder)
	if err := WriteFile(path, snap); err != nil {
		return ExportResult{}, err
	}
	if err := r.store.SetPreference(ctx, storage.PrefLastExportDate, snap.ExportDate.Format(time.RFC3339Nano), r.now()); err != nil {
		return ExportResult{}, fmt.Errorf("failed to record export date: %w", err)
	}

	r.logger.Info("Auto-export completed",
		zap.Int("exported", len(snap.Progress)),
		zap.String("path", path))
	return ExportResult{OK: true, ExportedCount: len(snap.Progress), Path: path, ExportDate: snap.ExportDate}, nil
}

// CheckAutoImport reports whether the snapshot in folder would be imported.
// A folder without a snapshot file yields a negative decision and no error.
func (r *Reconciler) CheckAutoImport(ctx context.Context, folder string) (Decision, error) {
	snap, err := r.readFolder(folder)
	if err != nil || snap == nil {
		return Decision{}, err
	}
	return r.ShouldImport(ctx, snap)
}

// AutoImport imports the snapshot in folder when it is newer than local data.
func (r *Reconciler) AutoImport(ctx context.Context, folder string) (ImportResult, error) {
	snap, err := r.readFolder(folder)
	if err != nil {
		return ImportResult{}, err
	}
	if snap == nil {
		r.logger.Debug("No sync file found, skipping import", zap.String("folder", folder))
		return ImportResult{Skipped: true}, nil
	}
	return r.Import(ctx, snap)
}

func (r *Reconciler) readFolder(folder string) (*Snapshot, error) {
	if err := checkFolder(folder); err != nil {
		return nil, err
	}
	snap, err := ReadFile(PathIn(folder))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}
