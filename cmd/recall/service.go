package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danieldreier/mcp-recall/internal/queue"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/snapshot"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"go.uber.org/zap"
)

// version is reported in exported snapshots and to MCP clients.
var version = "0.3.0"

// timeNow is swapped out by tests and by the --on flag.
var timeNow = time.Now

// ErrInvalidQuality is returned for a rating that is not a finite number.
var ErrInvalidQuality = errors.New("quality must be a number")

// RecallService ties the store, the scheduler, the session policy and sync
// together behind the operations the CLI and the MCP tools expose.
type RecallService struct {
	Storage      storage.Storage
	Scheduler    sm2.Scheduler
	Reconciler   *snapshot.Reconciler
	Logger       *zap.Logger
	SessionLimit int

	// OnReview is called after every successful review, e.g. to schedule
	// a sync export.
	OnReview func()
}

// NewRecallService creates a service over store. A nil logger discards logs.
func NewRecallService(store storage.Storage, logger *zap.Logger) *RecallService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecallService{
		Storage:      store,
		Scheduler:    sm2.NewScheduler(),
		Reconciler:   snapshot.NewReconciler(store, logger, version).WithClock(func() time.Time { return timeNow() }),
		Logger:       logger,
		SessionLimit: queue.DefaultSessionLimit,
	}
}

// prefStore adapts the store's preferences to the session policy.
type prefStore struct {
	ctx   context.Context
	store storage.Storage
	now   time.Time
}

func (p prefStore) Get(key string) (string, bool, error) {
	return p.store.GetPreference(p.ctx, key)
}

func (p prefStore) Set(key, value string) error {
	return p.store.SetPreference(p.ctx, key, value, p.now)
}

func (s *RecallService) loadSession(ctx context.Context, now time.Time) (queue.Session, error) {
	session, err := queue.LoadSession(prefStore{ctx, s.Storage, now}, now, s.SessionLimit)
	if err != nil {
		return session, fmt.Errorf("error loading session: %w", err)
	}
	return session, nil
}

func (s *RecallService) saveSession(ctx context.Context, session queue.Session, now time.Time) error {
	if err := queue.SaveSession(prefStore{ctx, s.Storage, now}, session); err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

// ListProblems lists the catalog with progress, unreviewed and due problems first.
func (s *RecallService) ListProblems(ctx context.Context, filter storage.Filter) ([]storage.Problem, error) {
	s.Logger.Debug("Service ListProblems called",
		zap.Strings("difficulties", filter.Difficulties),
		zap.String("category", filter.Category),
		zap.String("status", filter.Status),
		zap.String("set", filter.Set))
	problems, err := s.Storage.ListProblems(ctx, filter, timeNow())
	if err != nil {
		return nil, fmt.Errorf("error listing problems: %w", err)
	}
	return problems, nil
}

// GetProblem returns one problem with history and interval previews, or nil
// when the id is unknown.
func (s *RecallService) GetProblem(ctx context.Context, id int64) (*ProblemDetail, error) {
	p, err := s.Storage.GetProblem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error getting problem %d: %w", id, err)
	}
	if p == nil {
		return nil, nil
	}
	return s.detail(ctx, p, timeNow())
}

func (s *RecallService) detail(ctx context.Context, p *storage.Problem, now time.Time) (*ProblemDetail, error) {
	reviews, err := s.Storage.GetReviews(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("error getting reviews for problem %d: %w", p.ID, err)
	}
	previews := s.Scheduler.Previews(p.Progress.SM2(), now)
	d := &ProblemDetail{Problem: *p, Reviews: reviews}
	for _, q := range sm2.Qualities() {
		d.Previews = append(d.Previews, IntervalPreview{Quality: int(q), Label: q.String(), Days: previews[q]})
	}
	return d, nil
}

// dueItems returns the due problems, ordered by the queue policy, alongside
// their queue items.
func (s *RecallService) dueItems(ctx context.Context, set string, now time.Time) ([]queue.Item, map[int64]storage.Problem, error) {
	due, err := s.Storage.ListDue(ctx, set, now)
	if err != nil {
		return nil, nil, fmt.Errorf("error listing due problems: %w", err)
	}
	items := make([]queue.Item, 0, len(due))
	byID := make(map[int64]storage.Problem, len(due))
	for _, p := range due {
		items = append(items, queue.Item{
			ProblemID:      p.ID,
			CatalogID:      p.CatalogID,
			Status:         p.Progress.Status,
			EaseFactor:     p.Progress.EaseFactor,
			NextReviewDate: p.Progress.NextReviewDate,
		})
		byID[p.ID] = p
	}
	return queue.Due(items, now), byID, nil
}

// GetDueQueue returns the due problems today's session still allows,
// starting at offset.
func (s *RecallService) GetDueQueue(ctx context.Context, set string, offset int) (DueQueueResponse, error) {
	now := timeNow()
	items, byID, err := s.dueItems(ctx, set, now)
	if err != nil {
		return DueQueueResponse{}, err
	}
	session, err := s.loadSession(ctx, now)
	if err != nil {
		return DueQueueResponse{}, err
	}

	window := queue.Window(items, &session, offset, now)
	problems := make([]storage.Problem, 0, len(window))
	for _, it := range window {
		problems = append(problems, byID[it.ProblemID])
	}
	s.Logger.Debug("Due queue computed",
		zap.Int("due", len(items)),
		zap.Int("shown", len(problems)),
		zap.Int("offset", offset))
	return DueQueueResponse{
		Problems: problems,
		DueCount: len(items),
		Session:  newSessionInfo(session, now),
	}, nil
}

// GetDueProblem returns the single problem to review next.
func (s *RecallService) GetDueProblem(ctx context.Context, set string) (DueProblemResponse, error) {
	now := timeNow()
	items, byID, err := s.dueItems(ctx, set, now)
	if err != nil {
		return DueProblemResponse{}, err
	}
	session, err := s.loadSession(ctx, now)
	if err != nil {
		return DueProblemResponse{}, err
	}

	resp := DueProblemResponse{DueCount: len(items), Session: newSessionInfo(session, now)}
	next, ok := queue.Next(items, &session, now)
	switch {
	case ok:
		p := byID[next.ProblemID]
		resp.Problem, err = s.detail(ctx, &p, now)
		if err != nil {
			return DueProblemResponse{}, err
		}
	case len(items) == 0:
		resp.Message = "No problems due for review"
	default:
		resp.Message = fmt.Sprintf("Session complete: %d reviewed today, %d more due. Load more to continue.", session.Completed, len(items))
	}
	return resp, nil
}

// GetDueCount counts due problems, ignoring the session cap.
func (s *RecallService) GetDueCount(ctx context.Context, set string) (int, error) {
	n, err := s.Storage.CountDue(ctx, set, timeNow())
	if err != nil {
		return 0, fmt.Errorf("error counting due problems: %w", err)
	}
	return n, nil
}

// StartProblem begins learning a problem. Starting it again is a no-op.
func (s *RecallService) StartProblem(ctx context.Context, id int64) error {
	s.Logger.Debug("Service StartProblem called", zap.Int64("problem_id", id))
	if err := s.Storage.StartProblem(ctx, id, timeNow()); err != nil {
		return fmt.Errorf("error starting problem %d: %w", id, err)
	}
	return nil
}

// SubmitReview records a rating, reschedules the problem and counts the
// review against today's session. The rating is rounded and clamped into
// 0-3 first, so 3.4 is Easy and -2 is Again.
func (s *RecallService) SubmitReview(ctx context.Context, id int64, quality float64) (ReviewResponse, error) {
	now := timeNow()
	s.Logger.Debug("Starting SubmitReview",
		zap.Int64("problem_id", id),
		zap.Float64("quality", quality),
		zap.Time("timestamp", now))
	if math.IsNaN(quality) || math.IsInf(quality, 0) {
		return ReviewResponse{}, fmt.Errorf("%w: got %v", ErrInvalidQuality, quality)
	}

	outcome, err := s.Storage.SubmitReview(ctx, id, sm2.ClampQuality(quality), s.Scheduler, now)
	if err != nil {
		s.Logger.Error("Storage.SubmitReview returned error", zap.Int64("problem_id", id), zap.Error(err))
		return ReviewResponse{}, fmt.Errorf("error submitting review for problem %d: %w", id, err)
	}

	session, err := s.loadSession(ctx, now)
	if err != nil {
		return ReviewResponse{}, err
	}
	session.RecordCompletion(now)
	if err := s.saveSession(ctx, session, now); err != nil {
		// The review itself is stored; only the session counter is off.
		s.Logger.Warn("Failed to record session progress", zap.Error(err))
	}

	remaining, err := s.Storage.CountDue(ctx, "", now)
	if err != nil {
		s.Logger.Warn("Failed to count remaining due problems", zap.Error(err))
	}

	if s.OnReview != nil {
		s.OnReview()
	}

	s.Logger.Debug("SubmitReview completed",
		zap.Int64("problem_id", id),
		zap.Int("interval", outcome.Progress.Interval),
		zap.Time("next_review_date", outcome.NextReviewDate))
	return ReviewResponse{
		Success:        true,
		ProblemID:      id,
		Quality:        outcome.Quality.String(),
		NextDueDate:    sm2.DateString(outcome.NextReviewDate),
		NewInterval:    outcome.Progress.Interval,
		Progress:       outcome.Progress,
		Session:        newSessionInfo(session, now),
		RemainingToday: remaining,
	}, nil
}

// LoadMore grants another session's worth of reviews today.
func (s *RecallService) LoadMore(ctx context.Context) (SessionInfo, error) {
	now := timeNow()
	session, err := s.loadSession(ctx, now)
	if err != nil {
		return SessionInfo{}, err
	}
	session.LoadMore(now)
	if err := s.saveSession(ctx, session, now); err != nil {
		return SessionInfo{}, err
	}
	return newSessionInfo(session, now), nil
}

// ResetSession clears today's session counter.
func (s *RecallService) ResetSession(ctx context.Context) (SessionInfo, error) {
	now := timeNow()
	session, err := s.loadSession(ctx, now)
	if err != nil {
		return SessionInfo{}, err
	}
	session.Reset(now)
	if err := s.saveSession(ctx, session, now); err != nil {
		return SessionInfo{}, err
	}
	return newSessionInfo(session, now), nil
}

// GetStats summarises progress, optionally for one problem set.
func (s *RecallService) GetStats(ctx context.Context, set string) (storage.Stats, error) {
	stats, err := s.Storage.ComputeStats(ctx, set, timeNow())
	if err != nil {
		return storage.Stats{}, fmt.Errorf("error computing stats: %w", err)
	}
	return stats, nil
}

// ListCategories returns every category in the catalog.
func (s *RecallService) ListCategories(ctx context.Context) ([]string, error) {
	categories, err := s.Storage.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing categories: %w", err)
	}
	return categories, nil
}

// GetPreference returns a preference value, or nil when unset.
func (s *RecallService) GetPreference(ctx context.Context, key string) (*string, error) {
	v, ok, err := s.Storage.GetPreference(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("error reading preference %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// SetPreference stores a preference value.
func (s *RecallService) SetPreference(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("preference key must not be empty")
	}
	if err := s.Storage.SetPreference(ctx, key, value, timeNow()); err != nil {
		return fmt.Errorf("error writing preference %q: %w", key, err)
	}
	return nil
}

// ResetAllProgress deletes all learning state and history and restarts the
// session. Notes and preferences are kept.
func (s *RecallService) ResetAllProgress(ctx context.Context) error {
	s.Logger.Info("Resetting all progress")
	if err := s.Storage.ResetAll(ctx); err != nil {
		s.Logger.Error("Storage.ResetAll returned error", zap.Error(err))
		return fmt.Errorf("error resetting progress: %w", err)
	}
	if _, err := s.ResetSession(ctx); err != nil {
		s.Logger.Warn("Failed to reset session after progress reset", zap.Error(err))
	}
	return nil
}

// UpdateNote replaces the note on a problem.
func (s *RecallService) UpdateNote(ctx context.Context, id int64, content string) error {
	if err := s.Storage.UpdateNote(ctx, id, content, timeNow()); err != nil {
		return fmt.Errorf("error updating note for problem %d: %w", id, err)
	}
	return nil
}

// ExportSnapshot builds a snapshot of all reviewed progress.
func (s *RecallService) ExportSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	return s.Reconciler.Export(ctx)
}

// ImportSnapshot folds snap into the store when it is newer than local data.
func (s *RecallService) ImportSnapshot(ctx context.Context, snap *snapshot.Snapshot) (ImportResponse, error) {
	result, err := s.Reconciler.Import(ctx, snap)
	if err != nil {
		return ImportResponse{}, err
	}
	resp := ImportResponse{Success: true, ImportedCount: result.Imported, Skipped: result.Skipped}
	if result.Skipped {
		resp.Message = "Local data is newer than the snapshot; nothing imported"
	}
	return resp, nil
}

// syncFolder resolves an explicit folder or falls back to the preference.
func (s *RecallService) syncFolder(ctx context.Context, folder string) (string, error) {
	if folder != "" {
		return folder, nil
	}
	v, _, err := s.Storage.GetPreference(ctx, storage.PrefSyncFolderPath)
	if err != nil {
		return "", fmt.Errorf("error reading sync folder: %w", err)
	}
	return v, nil
}

// CheckAutoImport reports whether the snapshot in the sync folder is newer
// than local data.
func (s *RecallService) CheckAutoImport(ctx context.Context, folder string) (snapshot.Decision, error) {
	folder, err := s.syncFolder(ctx, folder)
	if err != nil {
		return snapshot.Decision{}, err
	}
	return s.Reconciler.CheckAutoImport(ctx, folder)
}

// PerformAutoExport writes a snapshot into the sync folder.
func (s *RecallService) PerformAutoExport(ctx context.Context, folder string) (snapshot.ExportResult, error) {
	folder, err := s.syncFolder(ctx, folder)
	if err != nil {
		return snapshot.ExportResult{}, err
	}
	return s.Reconciler.AutoExport(ctx, folder)
}
