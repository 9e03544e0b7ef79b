package main

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieldreier/mcp-recall/internal/catalog"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/snapshot"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Function to temporarily mock the time.Now function for testing
func mockTimeNow(mockTime time.Time) func() {
	original := timeNow
	timeNow = func() time.Time {
		return mockTime
	}
	return func() {
		timeNow = original
	}
}

// day0 is a Monday morning, local time.
var day0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.Local)

// Helper function to create a service over a fresh, seeded database
func setupTestService(t *testing.T) *RecallService {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "recall.db"), zap.NewNop())
	require.NoError(t, err, "Failed to open storage")
	t.Cleanup(func() { store.Close() })

	entries, err := catalog.Default()
	require.NoError(t, err)
	_, err = store.SeedCatalog(ctx, entries)
	require.NoError(t, err, "Failed to seed catalog")

	return NewRecallService(store, zap.NewNop())
}

// problemIDs returns the ids of the first n catalog problems.
func problemIDs(t *testing.T, s *RecallService, n int) []int64 {
	t.Helper()
	problems, err := s.ListProblems(context.Background(), storage.Filter{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(problems), n)
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = problems[i].ID
	}
	return ids
}

// learn rates each problem Good on day0 so it comes due on day0+1.
func learn(t *testing.T, s *RecallService, ids []int64) {
	t.Helper()
	defer mockTimeNow(day0)()
	for _, id := range ids {
		_, err := s.SubmitReview(context.Background(), id, float64(sm2.Good))
		require.NoError(t, err)
	}
}

func TestSessionCapLoadMoreAndRollover(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	learn(t, s, problemIDs(t, s, 7))

	day1 := day0.AddDate(0, 0, 1)
	restore := mockTimeNow(day1)
	defer restore()

	n, err := s.GetDueCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	queue, err := s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, queue.Problems, 5, "session shows at most five problems")
	assert.Equal(t, 7, queue.DueCount)
	assert.Equal(t, SessionInfo{Date: "2024-06-04", Completed: 0, Limit: 5, Remaining: 5}, queue.Session,
		"the session rolls over at midnight even though day0 had seven reviews")

	for i := 0; i < 5; i++ {
		resp, err := s.GetDueProblem(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, resp.Problem, "review %d should have a problem", i+1)
		assert.Equal(t, queue.Problems[i].ID, resp.Problem.ID, "problems come out in queue order")
		_, err = s.SubmitReview(ctx, resp.Problem.ID, float64(sm2.Good))
		require.NoError(t, err)
	}

	resp, err := s.GetDueProblem(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, resp.Problem)
	assert.Equal(t, 2, resp.DueCount)
	assert.Contains(t, resp.Message, "Session complete")
	assert.Equal(t, 0, resp.Session.Remaining)

	session, err := s.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, session.Remaining)

	queue, err = s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, queue.Problems, 2)

	// Shortly after midnight the session starts over and the two problems
	// left over from yesterday are still due.
	restore()
	restore = mockTimeNow(time.Date(2024, 6, 5, 0, 0, 30, 0, time.Local))
	queue, err = s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, queue.Problems, 2)
	assert.Equal(t, "2024-06-05", queue.Session.Date)
	assert.Equal(t, 0, queue.Session.Completed)
}

func TestGetDueProblemNothingDue(t *testing.T) {
	s := setupTestService(t)
	defer mockTimeNow(day0)()

	resp, err := s.GetDueProblem(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, resp.Problem)
	assert.Equal(t, 0, resp.DueCount)
	assert.Equal(t, "No problems due for review", resp.Message)
}

func TestGetDueQueueOffset(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	learn(t, s, problemIDs(t, s, 7))
	defer mockTimeNow(day0.AddDate(0, 0, 1))()

	all, err := s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	page, err := s.GetDueQueue(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, page.Problems, 4)
	assert.Equal(t, all.Problems[3].ID, page.Problems[0].ID)

	past, err := s.GetDueQueue(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, past.Problems)
}

func TestSubmitReviewSchedules(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	id := problemIDs(t, s, 1)[0]

	var reviews int
	s.OnReview = func() { reviews++ }

	steps := []struct {
		at           time.Time
		quality      sm2.Quality
		wantInterval int
		wantNext     string
		wantStatus   string
	}{
		{day0, sm2.Good, 1, "2024-06-04", storage.StatusLearning},
		{day0.AddDate(0, 0, 1), sm2.Good, 3, "2024-06-07", storage.StatusLearning},
		{day0.AddDate(0, 0, 4), sm2.Good, 8, "2024-06-15", storage.StatusReviewing},
		{day0.AddDate(0, 0, 12), sm2.Again, 0, "2024-06-15", storage.StatusLearning},
	}
	for i, step := range steps {
		restore := mockTimeNow(step.at)
		resp, err := s.SubmitReview(ctx, id, float64(step.quality))
		restore()
		require.NoError(t, err, "step %d", i)

		assert.True(t, resp.Success)
		assert.Equal(t, step.quality.String(), resp.Quality, "step %d", i)
		assert.Equal(t, step.wantInterval, resp.NewInterval, "step %d", i)
		assert.Equal(t, step.wantNext, resp.NextDueDate, "step %d", i)
		assert.Equal(t, step.wantStatus, resp.Progress.Status, "step %d", i)
	}
	assert.Equal(t, len(steps), reviews, "OnReview runs once per review")

	// The failure on the last step leaves the problem due the same day.
	defer mockTimeNow(day0.AddDate(0, 0, 12))()
	n, err := s.GetDueCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	detail, err := s.GetProblem(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.Reviews, 4)
	assert.InDelta(t, 2.3, detail.Progress.EaseFactor, 1e-9)
}

func TestSubmitReviewClampsQuality(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	defer mockTimeNow(day0)()

	tests := []struct {
		quality float64
		want    string
	}{
		{3.4, "Easy"},
		{4, "Easy"},
		{7, "Easy"},
		{2.4, "Good"},
		{1.6, "Good"},
		{-0.4, "Again"},
		{-2, "Again"},
	}
	ids := problemIDs(t, s, len(tests))
	for i, tt := range tests {
		t.Run(fmt.Sprint(tt.quality), func(t *testing.T) {
			resp, err := s.SubmitReview(ctx, ids[i], tt.quality)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Quality)
		})
	}
}

func TestSubmitReviewRejectsBadInput(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	_, err := s.SubmitReview(ctx, 1, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidQuality)
	_, err = s.SubmitReview(ctx, 1, math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidQuality)

	_, err = s.SubmitReview(ctx, 99999, 2)
	assert.ErrorIs(t, err, storage.ErrProblemNotFound)
}

func TestGetProblemPreviews(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	id := problemIDs(t, s, 1)[0]
	defer mockTimeNow(day0)()

	detail, err := s.GetProblem(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, storage.StatusNew, detail.Progress.Status)
	assert.Empty(t, detail.Reviews)
	assert.Equal(t, []IntervalPreview{
		{Quality: 0, Label: "Again", Days: 0},
		{Quality: 1, Label: "Hard", Days: 0},
		{Quality: 2, Label: "Good", Days: 1},
		{Quality: 3, Label: "Easy", Days: 1},
	}, detail.Previews)

	missing, err := s.GetProblem(ctx, 99999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStartProblem(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	id := problemIDs(t, s, 1)[0]
	defer mockTimeNow(day0)()

	require.NoError(t, s.StartProblem(ctx, id))
	require.NoError(t, s.StartProblem(ctx, id), "starting twice is a no-op")

	detail, err := s.GetProblem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusLearning, detail.Progress.Status)
	assert.Equal(t, 0, detail.Progress.TotalReviews)

	assert.ErrorIs(t, s.StartProblem(ctx, 99999), storage.ErrProblemNotFound)
}

func TestSessionLimitPreferenceWins(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	learn(t, s, problemIDs(t, s, 7))
	defer mockTimeNow(day0.AddDate(0, 0, 1))()

	require.NoError(t, s.SetPreference(ctx, storage.PrefSessionLimit, "3"))
	queue, err := s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, queue.Problems, 3)
	assert.Equal(t, 3, queue.Session.Limit)
}

func TestResetSession(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	learn(t, s, problemIDs(t, s, 2))
	defer mockTimeNow(day0)()

	before, err := s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, before.Session.Completed)

	after, err := s.ResetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Completed)
	assert.Equal(t, 5, after.Remaining)
}

func TestResetAllProgress(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	ids := problemIDs(t, s, 3)
	learn(t, s, ids)
	defer mockTimeNow(day0)()

	require.NoError(t, s.UpdateNote(ctx, ids[0], "two pointers"))
	require.NoError(t, s.ResetAllProgress(ctx))

	stats, err := s.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Practiced)
	assert.Equal(t, 0, stats.TotalReviews)

	detail, err := s.GetProblem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, storage.StatusNew, detail.Progress.Status)
	assert.Empty(t, detail.Reviews)
	assert.Equal(t, "two pointers", detail.Note, "notes survive a reset")

	queue, err := s.GetDueQueue(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, queue.Session.Completed)
}

func TestPreferences(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	v, err := s.GetPreference(ctx, "theme")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.SetPreference(ctx, "theme", "dark"))
	v, err = s.GetPreference(ctx, "theme")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "dark", *v)

	assert.Error(t, s.SetPreference(ctx, "", "x"))
}

func TestSnapshotBetweenServices(t *testing.T) {
	laptop := setupTestService(t)
	desktop := setupTestService(t)
	ctx := context.Background()
	learn(t, laptop, problemIDs(t, laptop, 3))

	restore := mockTimeNow(day0.Add(time.Hour))
	snap, err := laptop.ExportSnapshot(ctx)
	restore()
	require.NoError(t, err)
	assert.Len(t, snap.Progress, 3)
	assert.Len(t, snap.History, 3)
	assert.Equal(t, version, snap.AppVersion)

	resp, err := desktop.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, ImportResponse{Success: true, ImportedCount: 3}, resp)

	stats, err := desktop.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Practiced)

	// A review on the desktop after the export makes local data newer.
	defer mockTimeNow(day0.Add(2 * time.Hour))()
	_, err = desktop.SubmitReview(ctx, problemIDs(t, desktop, 4)[3], float64(sm2.Good))
	require.NoError(t, err)
	resp, err = desktop.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.True(t, resp.Skipped)
	assert.NotEmpty(t, resp.Message)
}

func TestSyncFolderFromPreference(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	folder := t.TempDir()
	learn(t, s, problemIDs(t, s, 2))
	defer mockTimeNow(day0.Add(time.Hour))()

	_, err := s.PerformAutoExport(ctx, "")
	assert.ErrorIs(t, err, snapshot.ErrFolderUnavailable, "no folder configured")

	require.NoError(t, s.SetPreference(ctx, storage.PrefSyncFolderPath, folder))
	result, err := s.PerformAutoExport(ctx, "")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 2, result.ExportedCount)
	assert.Equal(t, snapshot.PathIn(folder), result.Path)

	decision, err := s.CheckAutoImport(ctx, "")
	require.NoError(t, err)
	assert.True(t, decision.ShouldImport, "the export is stamped after the last review")
	require.NotNil(t, decision.LocalMaxDate)
	assert.True(t, decision.SnapshotDate.After(*decision.LocalMaxDate))
}
