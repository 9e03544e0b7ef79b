package snapshot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danieldreier/mcp-recall/internal/catalog"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = []catalog.Entry{
	{CatalogID: 1, Title: "Two Sum", Difficulty: "Easy", Categories: []string{"Arrays & Hashing"}, Sets: []string{"neetcode150", "blind75"}},
	{CatalogID: 2, Title: "Valid Anagram", Difficulty: "Easy", Categories: []string{"Arrays & Hashing"}, Sets: []string{"neetcode150"}},
	{CatalogID: 3, Title: "3Sum", Difficulty: "Medium", Categories: []string{"Two Pointers"}, Sets: []string{"neetcode150"}},
}

var reviewTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, filepath.Join(t.TempDir(), "recall.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.SeedCatalog(ctx, testCatalog)
	require.NoError(t, err)
	return s
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// reviewedStore returns a store where problems 1 and 3 have been reviewed.
func reviewedStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	ctx := context.Background()
	s := newStore(t)
	scheduler := sm2.NewScheduler()
	_, err := s.SubmitReview(ctx, 1, sm2.Good, scheduler, reviewTime)
	require.NoError(t, err)
	_, err = s.SubmitReview(ctx, 3, sm2.Again, scheduler, reviewTime.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.StartProblem(ctx, 2, reviewTime))
	return s
}

func TestExportIncludesOnlyReviewedProblems(t *testing.T) {
	s := reviewedStore(t)
	exportTime := reviewTime.Add(time.Hour)
	r := NewReconciler(s, nil, "1.2.3").WithClock(fixedClock(exportTime))

	snap, err := r.Export(context.Background())
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, snap.Version)
	assert.Equal(t, "1.2.3", snap.AppVersion)
	assert.True(t, snap.ExportDate.Equal(exportTime))
	require.Len(t, snap.Progress, 2)
	assert.Equal(t, int64(1), snap.Progress[0].CatalogID)
	assert.Equal(t, int64(3), snap.Progress[1].CatalogID)
	require.NotNil(t, snap.Progress[0].NextReviewDate)
	assert.Equal(t, "2024-05-02", *snap.Progress[0].NextReviewDate)
	assert.Equal(t, "2024-05-01", *snap.Progress[1].NextReviewDate)
	require.Len(t, snap.History, 2)
	assert.Equal(t, int(sm2.Good), snap.History[0].Quality)
	assert.Equal(t, int(sm2.Again), snap.History[1].Quality)
}

func TestEncodeUsesDocumentFieldNames(t *testing.T) {
	s := reviewedStore(t)
	r := NewReconciler(s, nil, "dev").WithClock(fixedClock(reviewTime.Add(time.Hour)))
	snap, err := r.Export(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, snap.Encode(&buf))
	doc := buf.String()
	for _, field := range []string{
		`"version": "1.0"`, `"exportDate"`, `"appVersion": "dev"`, `"catalogId"`,
		`"easeFactor"`, `"nextReviewDate"`, `"lastReviewedAt"`, `"totalReviews"`,
		`"reviewDate"`, `"intervalBefore"`, `"easeFactorAfter"`,
	} {
		assert.Contains(t, doc, field)
	}
}

func TestRoundTripBetweenDevices(t *testing.T) {
	ctx := context.Background()
	laptop := reviewedStore(t)
	desktop := newStore(t)

	exportTime := reviewTime.Add(time.Hour)
	snap, err := NewReconciler(laptop, nil, "dev").WithClock(fixedClock(exportTime)).Export(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, snap.Encode(&buf))
	decoded, err := Decode(&buf)
	require.NoError(t, err)

	r := NewReconciler(desktop, nil, "dev").WithClock(fixedClock(exportTime.Add(time.Minute)))
	result, err := r.Import(ctx, decoded)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 2, result.Imported)
	assert.Nil(t, result.Decision.LocalMaxDate)

	wantProgress, wantHistory, err := laptop.ExportRows(ctx)
	require.NoError(t, err)
	gotProgress, gotHistory, err := desktop.ExportRows(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(wantProgress, gotProgress); diff != "" {
		t.Errorf("progress mismatch (-laptop +desktop):\n%s", diff)
	}
	if diff := cmp.Diff(wantHistory, gotHistory); diff != "" {
		t.Errorf("history mismatch (-laptop +desktop):\n%s", diff)
	}

	// Re-importing the same snapshot changes nothing: states are replaced by
	// identical values and every history entry is already present.
	_, err = r.Import(ctx, decoded)
	require.NoError(t, err)
	againProgress, againHistory, err := desktop.ExportRows(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(gotProgress, againProgress))
	assert.Empty(t, cmp.Diff(gotHistory, againHistory))

	v, ok, err := desktop.GetPreference(ctx, storage.PrefLastImportDate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, v)
}

func TestImportOwnExportLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	s := reviewedStore(t)
	r := NewReconciler(s, nil, "dev").WithClock(fixedClock(reviewTime.Add(time.Hour)))

	beforeProgress, beforeHistory, err := s.ExportRows(ctx)
	require.NoError(t, err)
	snap, err := r.Export(ctx)
	require.NoError(t, err)

	result, err := r.Import(ctx, snap)
	require.NoError(t, err)
	assert.False(t, result.Skipped, "the export is stamped after the last review")
	assert.Equal(t, len(beforeProgress), result.Imported, "rewritten states are still counted")

	afterProgress, afterHistory, err := s.ExportRows(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(beforeProgress, afterProgress); diff != "" {
		t.Errorf("progress changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(beforeHistory, afterHistory); diff != "" {
		t.Errorf("history changed (-before +after):\n%s", diff)
	}
}

func TestImportSkipsStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	s := reviewedStore(t)
	before, beforeHistory, err := s.ExportRows(ctx)
	require.NoError(t, err)

	localMax := reviewTime.Add(time.Minute)
	tests := []struct {
		name       string
		exportDate time.Time
	}{
		{"older than local reviews", reviewTime.Add(-time.Hour)},
		{"equal to latest local review", localMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &Snapshot{
				Version:    FormatVersion,
				ExportDate: tt.exportDate,
				Progress: []ProgressEntry{
					{CatalogID: 1, Status: storage.StatusReviewing, Repetitions: 5, Interval: 30, EaseFactor: 2.9, TotalReviews: 5},
				},
			}
			r := NewReconciler(s, nil, "dev")
			result, err := r.Import(ctx, snap)
			require.NoError(t, err)
			assert.True(t, result.Skipped)
			assert.Equal(t, 0, result.Imported)
			require.NotNil(t, result.Decision.LocalMaxDate)
			assert.True(t, result.Decision.LocalMaxDate.Equal(localMax))

			after, afterHistory, err := s.ExportRows(ctx)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(before, after))
			assert.Empty(t, cmp.Diff(beforeHistory, afterHistory))
		})
	}
}

func TestImportReplacesStatesWholesale(t *testing.T) {
	ctx := context.Background()
	s := reviewedStore(t)

	next := "2024-06-01"
	seen := reviewTime.Add(2 * time.Hour)
	snap := &Snapshot{
		Version:    FormatVersion,
		ExportDate: reviewTime.Add(3 * time.Hour),
		Progress: []ProgressEntry{
			{CatalogID: 1, Status: storage.StatusReviewing, Repetitions: 4, Interval: 21, EaseFactor: 2.6,
				NextReviewDate: &next, LastReviewedAt: &seen, TotalReviews: 9},
			{CatalogID: 404, Status: storage.StatusLearning, Repetitions: 1, Interval: 1, EaseFactor: 2.5, TotalReviews: 1},
		},
		History: []HistoryEntry{
			{CatalogID: 1, ReviewDate: reviewTime, Quality: int(sm2.Good), IntervalAfter: 1, EaseFactorBefore: 2.5, EaseFactorAfter: 2.5},
			{CatalogID: 1, ReviewDate: seen, Quality: int(sm2.Easy), IntervalBefore: 10, IntervalAfter: 21, EaseFactorBefore: 2.5, EaseFactorAfter: 2.6},
			{CatalogID: 404, ReviewDate: seen, Quality: int(sm2.Good)},
		},
	}

	result, err := NewReconciler(s, nil, "dev").Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported, "unknown catalog ids are skipped")

	p, err := s.GetProgress(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, storage.StatusReviewing, p.Status)
	assert.Equal(t, 4, p.Repetitions)
	assert.Equal(t, 21, p.Interval)
	assert.Equal(t, 2.6, p.EaseFactor)
	assert.Equal(t, 9, p.TotalReviews)
	assert.Nil(t, p.FirstLearnedAt, "snapshot wins even for absent fields")
	require.NotNil(t, p.NextReviewDate)
	assert.Equal(t, next, sm2.DateString(*p.NextReviewDate))

	reviews, err := s.GetReviews(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, reviews, 2, "the matching local review is not duplicated")
}

func TestDecodeRejectsMalformedSnapshots(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"not json", `{"version":`, ""},
		{"missing version", `{"exportDate":"2024-05-01T10:00:00Z","progress":[]}`, "version"},
		{"future major version", `{"version":"2.0","exportDate":"2024-05-01T10:00:00Z","progress":[]}`, "version"},
		{"missing export date", `{"version":"1.0","progress":[]}`, "exportDate"},
		{"missing progress", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z"}`, "progress"},
		{"bad catalog id", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":0,"status":"learning","easeFactor":2.5}]}`, "progress[0]"},
		{"bad status", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":1,"status":"mastered","easeFactor":2.5}]}`, "progress[0]"},
		{"ease below floor", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":1,"status":"learning","easeFactor":1.1}]}`, "progress[0]"},
		{"learning with reviewing repetitions", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":1,"status":"learning","repetitions":7,"easeFactor":2.5,"totalReviews":7}]}`, "progress[0]"},
		{"reviewing with learning repetitions", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":1,"status":"reviewing","repetitions":2,"easeFactor":2.5,"totalReviews":2}]}`, "progress[0]"},
		{"new with reviews", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":1,"status":"new","easeFactor":2.5,"totalReviews":3}]}`, "progress[0]"},
		{"bad next date", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[{"catalogId":1,"status":"learning","easeFactor":2.5,"nextReviewDate":"soon"}]}`, "progress[0]"},
		{"quality out of range", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[],"history":[{"catalogId":1,"reviewDate":"2024-05-01T10:00:00Z","quality":5}]}`, "history[0]"},
		{"history without date", `{"version":"1.0","exportDate":"2024-05-01T10:00:00Z","progress":[],"history":[{"catalogId":1,"quality":2}]}`, "history[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %T", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestDecodeAcceptsSnapshotWithoutHistory(t *testing.T) {
	snap, err := Decode(strings.NewReader(`{"version":"1.0","exportDate":"2024-05-01T10:00:00.000Z","appVersion":"0.9.0","progress":[]}`))
	require.NoError(t, err)
	assert.Empty(t, snap.History)
	assert.NotNil(t, snap.Progress)
}

func TestInvalidImportHasNoEffect(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	snap := &Snapshot{
		Version:    FormatVersion,
		ExportDate: reviewTime,
		Progress: []ProgressEntry{
			{CatalogID: 1, Status: storage.StatusLearning, Repetitions: 1, Interval: 1, EaseFactor: 2.5, TotalReviews: 1},
			{CatalogID: 2, Status: "archived", EaseFactor: 2.5},
		},
	}

	_, err := NewReconciler(s, nil, "dev").Import(ctx, snap)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	progress, history, err := s.ExportRows(ctx)
	require.NoError(t, err)
	assert.Empty(t, progress)
	assert.Empty(t, history)

	_, err = NewReconciler(s, nil, "dev").Import(ctx, nil)
	assert.True(t, IsValidationError(err))

	snap.Progress = []ProgressEntry{
		{CatalogID: 1, Status: storage.StatusLearning, Repetitions: 7, Interval: 40, EaseFactor: 2.5, TotalReviews: 7},
	}
	_, err = NewReconciler(s, nil, "dev").Import(ctx, snap)
	assert.True(t, IsValidationError(err))
	progress, _, err = s.ExportRows(ctx)
	require.NoError(t, err)
	assert.Empty(t, progress)
}

func TestAutoExportAndImport(t *testing.T) {
	ctx := context.Background()
	folder := t.TempDir()
	laptop := reviewedStore(t)
	desktop := newStore(t)

	exportTime := reviewTime.Add(time.Hour)
	out := NewReconciler(laptop, nil, "dev").WithClock(fixedClock(exportTime))
	in := NewReconciler(desktop, nil, "dev").WithClock(fixedClock(exportTime.Add(time.Hour)))

	decision, err := in.CheckAutoImport(ctx, folder)
	require.NoError(t, err)
	assert.False(t, decision.ShouldImport, "no file yet")

	result, err := in.AutoImport(ctx, folder)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	exported, err := out.AutoExport(ctx, folder)
	require.NoError(t, err)
	assert.True(t, exported.OK)
	assert.Equal(t, 2, exported.ExportedCount)
	assert.Equal(t, filepath.Join(folder, FileName), exported.Path)
	_, err = os.Stat(exported.Path + ".tmp")
	assert.True(t, errors.Is(err, os.ErrNotExist), "temporary file is renamed away")

	v, ok, err := laptop.GetPreference(ctx, storage.PrefLastExportDate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, exportTime.UTC().Format(time.RFC3339Nano), v)

	decision, err = in.CheckAutoImport(ctx, folder)
	require.NoError(t, err)
	assert.True(t, decision.ShouldImport)
	assert.True(t, decision.SnapshotDate.Equal(exportTime))
	assert.Nil(t, decision.LocalMaxDate)

	result, err = in.AutoImport(ctx, folder)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)

	// A second export on unchanged data produces an equivalent document.
	first, err := ReadFile(exported.Path)
	require.NoError(t, err)
	_, err = out.AutoExport(ctx, folder)
	require.NoError(t, err)
	second, err := ReadFile(exported.Path)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated export differs:\n%s", diff)
	}
}

func TestAutoSyncWithUnavailableFolder(t *testing.T) {
	ctx := context.Background()
	s := reviewedStore(t)
	r := NewReconciler(s, nil, "dev")

	missing := filepath.Join(t.TempDir(), "gone")
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	for _, folder := range []string{"", missing, file} {
		_, err := r.AutoExport(ctx, folder)
		assert.ErrorIs(t, err, ErrFolderUnavailable, "export to %q", folder)
		_, err = r.CheckAutoImport(ctx, folder)
		assert.ErrorIs(t, err, ErrFolderUnavailable, "check %q", folder)
		_, err = r.AutoImport(ctx, folder)
		assert.ErrorIs(t, err, ErrFolderUnavailable, "import from %q", folder)
	}
}

func TestAutoImportRejectsCorruptFile(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(PathIn(folder), []byte(`{"version":"1.0"}`), 0644))

	_, err := NewReconciler(newStore(t), nil, "dev").AutoImport(context.Background(), folder)
	assert.True(t, IsValidationError(err))
}
