package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GetProgress returns the stored learning state of a problem, or nil when
// the problem has never been started or reviewed.
func (s *SQLiteStorage) GetProgress(ctx context.Context, problemID int64) (*Progress, error) {
	p, err := loadProgress(ctx, s.db, problemID)
	if err != nil {
		return nil, wrapErr("get progress", err)
	}
	return p, nil
}

func loadProgress(ctx context.Context, q querier, problemID int64) (*Progress, error) {
	var (
		p                                  Progress
		nextReview, firstLearned, lastSeen sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT status, repetitions, interval_days, ease_factor,
		       next_review_date, first_learned_at, last_reviewed_at, total_reviews
		FROM problem_progress WHERE problem_id = ?`, problemID).Scan(
		&p.Status, &p.Repetitions, &p.Interval, &p.EaseFactor,
		&nextReview, &firstLearned, &lastSeen, &p.TotalReviews,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	p.NextReviewDate = nullStringToDate(nextReview)
	p.FirstLearnedAt = nullStringToTime(firstLearned)
	p.LastReviewedAt = nullStringToTime(lastSeen)
	return &p, nil
}

// StartProblem marks a problem as being learned. It creates the learning
// state only if none exists, so calling it again changes nothing.
func (s *SQLiteStorage) StartProblem(ctx context.Context, problemID int64, now time.Time) error {
	return s.withTx(ctx, "start problem", func(tx *sql.Tx) error {
		if err := requireProblem(ctx, tx, problemID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO problem_progress
				(problem_id, status, repetitions, interval_days, ease_factor, first_learned_at, total_reviews)
			VALUES (?, ?, 0, 0, ?, ?, 0)
			ON CONFLICT(problem_id) DO NOTHING`,
			problemID, StatusLearning, sm2.DefaultEaseFactor, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Debug("Problem started", zap.Int64("problem_id", problemID))
		}
		return nil
	})
}

// SubmitReview applies a rating to a problem. The new learning state and the
// history entry are written in one transaction; on any error neither is kept.
func (s *SQLiteStorage) SubmitReview(ctx context.Context, problemID int64, quality sm2.Quality, scheduler sm2.Scheduler, now time.Time) (ReviewOutcome, error) {
	quality = sm2.ClampQuality(float64(quality))
	var outcome ReviewOutcome

	err := s.withTx(ctx, "submit review", func(tx *sql.Tx) error {
		if err := requireProblem(ctx, tx, problemID); err != nil {
			return err
		}

		current, err := loadProgress(ctx, tx, problemID)
		if err != nil {
			return err
		}
		before := sm2.NewState()
		if current != nil {
			before = current.SM2()
		}

		result := scheduler.ComputeNextState(before, quality, now)
		next := result.NextReviewDate
		status := sm2.StatusFor(result.State.Repetitions)

		s.logger.Debug("Scheduling result",
			zap.Int64("problem_id", problemID),
			zap.Int("quality", int(quality)),
			zap.Int("repetitions", result.State.Repetitions),
			zap.Int("interval", result.State.Interval),
			zap.Float64("ease_factor", result.State.EaseFactor),
			zap.String("next_review_date", sm2.DateString(next)))

		nowStr := formatTime(now)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO problem_progress
				(problem_id, status, repetitions, interval_days, ease_factor,
				 next_review_date, first_learned_at, last_reviewed_at, total_reviews)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(problem_id) DO UPDATE SET
				status = excluded.status,
				repetitions = excluded.repetitions,
				interval_days = excluded.interval_days,
				ease_factor = excluded.ease_factor,
				next_review_date = excluded.next_review_date,
				first_learned_at = COALESCE(problem_progress.first_learned_at, excluded.first_learned_at),
				last_reviewed_at = excluded.last_reviewed_at,
				total_reviews = problem_progress.total_reviews + 1`,
			problemID, status, result.State.Repetitions, result.State.Interval, result.State.EaseFactor,
			sm2.DateString(next), nowStr, nowStr)
		if err != nil {
			return fmt.Errorf("failed to upsert progress: %w", err)
		}

		if s.afterProgressWrite != nil {
			if err := s.afterProgressWrite(); err != nil {
				return err
			}
		}

		review := Review{
			ID:               uuid.New().String(),
			ProblemID:        problemID,
			ReviewedAt:       now,
			Quality:          int(quality),
			IntervalBefore:   before.Interval,
			IntervalAfter:    result.State.Interval,
			EaseFactorBefore: before.EaseFactor,
			EaseFactorAfter:  result.State.EaseFactor,
		}
		if err := insertReview(ctx, tx, review); err != nil {
			return err
		}

		updated, err := loadProgress(ctx, tx, problemID)
		if err != nil {
			return err
		}
		outcome = ReviewOutcome{
			ProblemID:      problemID,
			Quality:        quality,
			Progress:       *updated,
			NextReviewDate: next,
			Review:         review,
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Review not recorded", zap.Int64("problem_id", problemID), zap.Error(err))
		return ReviewOutcome{}, err
	}
	return outcome, nil
}

func insertReview(ctx context.Context, q querier, r Review) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO review_history
			(id, problem_id, review_date, quality, interval_before, interval_after,
			 ease_factor_before, ease_factor_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProblemID, formatTime(r.ReviewedAt), r.Quality,
		r.IntervalBefore, r.IntervalAfter, r.EaseFactorBefore, r.EaseFactorAfter)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// GetReviews returns the review history of one problem, oldest first. An
// unknown problem has no history, so the result is empty rather than an error.
func (s *SQLiteStorage) GetReviews(ctx context.Context, problemID int64) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, problem_id, review_date, quality, interval_before, interval_after,
		       ease_factor_before, ease_factor_after
		FROM review_history
		WHERE problem_id = ?
		ORDER BY review_date ASC, id ASC`, problemID)
	if err != nil {
		return nil, wrapErr("get reviews", err)
	}
	defer rows.Close()

	reviews := []Review{}
	for rows.Next() {
		var r Review
		var reviewedAt string
		if err := rows.Scan(&r.ID, &r.ProblemID, &reviewedAt, &r.Quality,
			&r.IntervalBefore, &r.IntervalAfter, &r.EaseFactorBefore, &r.EaseFactorAfter); err != nil {
			return nil, wrapErr("get reviews", err)
		}
		t, err := parseTime(reviewedAt)
		if err != nil {
			return nil, wrapErr("get reviews", fmt.Errorf("bad review_date %q: %w", reviewedAt, err))
		}
		r.ReviewedAt = t.Local()
		reviews = append(reviews, r)
	}
	return reviews, wrapErr("get reviews", rows.Err())
}

// ResetAll deletes every learning state and every history entry. The catalog,
// notes and preferences are kept.
func (s *SQLiteStorage) ResetAll(ctx context.Context) error {
	err := s.withTx(ctx, "reset progress", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM review_history`); err != nil {
			return fmt.Errorf("failed to delete history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM problem_progress`); err != nil {
			return fmt.Errorf("failed to delete progress: %w", err)
		}
		return nil
	})
	if err == nil {
		s.logger.Info("All progress reset")
	}
	return err
}
