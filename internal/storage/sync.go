package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProgressRow is a learning state keyed by catalog id, the unit of exchange
// between two copies of the store.
type ProgressRow struct {
	CatalogID int64
	Progress
}

// HistoryRow is a review history entry keyed by catalog id.
type HistoryRow struct {
	CatalogID        int64
	ReviewedAt       time.Time
	Quality          int
	IntervalBefore   int
	IntervalAfter    int
	EaseFactorBefore float64
	EaseFactorAfter  float64
}

// ExportRows returns every reviewed learning state in catalog order and
// every history entry in review order, both keyed by catalog id.
func (s *SQLiteStorage) ExportRows(ctx context.Context) ([]ProgressRow, []HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.catalog_id, pp.status, pp.repetitions, pp.interval_days, pp.ease_factor,
		       pp.next_review_date, pp.first_learned_at, pp.last_reviewed_at, pp.total_reviews
		FROM problem_progress pp
		JOIN problems p ON p.id = pp.problem_id
		WHERE pp.total_reviews > 0
		ORDER BY p.catalog_id ASC`)
	if err != nil {
		return nil, nil, wrapErr("export progress", err)
	}
	progress := []ProgressRow{}
	for rows.Next() {
		var (
			r                                  ProgressRow
			nextReview, firstLearned, lastSeen sql.NullString
		)
		if err := rows.Scan(&r.CatalogID, &r.Status, &r.Repetitions, &r.Interval, &r.EaseFactor,
			&nextReview, &firstLearned, &lastSeen, &r.TotalReviews); err != nil {
			rows.Close()
			return nil, nil, wrapErr("export progress", err)
		}
		r.NextReviewDate = nullStringToDate(nextReview)
		r.FirstLearnedAt = nullStringToTime(firstLearned)
		r.LastReviewedAt = nullStringToTime(lastSeen)
		progress = append(progress, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, wrapErr("export progress", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT p.catalog_id, rh.review_date, rh.quality, rh.interval_before, rh.interval_after,
		       rh.ease_factor_before, rh.ease_factor_after
		FROM review_history rh
		JOIN problems p ON p.id = rh.problem_id
		ORDER BY rh.review_date ASC, p.catalog_id ASC`)
	if err != nil {
		return nil, nil, wrapErr("export history", err)
	}
	defer rows.Close()

	history := []HistoryRow{}
	for rows.Next() {
		var h HistoryRow
		var reviewedAt string
		if err := rows.Scan(&h.CatalogID, &reviewedAt, &h.Quality, &h.IntervalBefore, &h.IntervalAfter,
			&h.EaseFactorBefore, &h.EaseFactorAfter); err != nil {
			return nil, nil, wrapErr("export history", err)
		}
		t, err := parseTime(reviewedAt)
		if err != nil {
			return nil, nil, wrapErr("export history", fmt.Errorf("bad review_date %q: %w", reviewedAt, err))
		}
		h.ReviewedAt = t
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrapErr("export history", err)
	}
	return progress, history, nil
}

// MaxLastReviewedAt returns the most recent review time across all problems,
// or nil when nothing has been reviewed.
func (s *SQLiteStorage) MaxLastReviewedAt(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(last_reviewed_at) FROM problem_progress`).Scan(&raw); err != nil {
		return nil, wrapErr("max last reviewed", err)
	}
	return nullStringToTime(raw), nil
}

// ApplySnapshot folds progress and history from another copy of the store
// into this one within a single transaction. Learning states replace local
// ones wholesale. History entries already present under the same problem,
// timestamp and quality are skipped. Rows naming an unknown catalog id are
// ignored. It returns the number of learning states written.
func (s *SQLiteStorage) ApplySnapshot(ctx context.Context, progress []ProgressRow, history []HistoryRow, now time.Time) (int, error) {
	imported := 0
	err := s.withTx(ctx, "apply snapshot", func(tx *sql.Tx) error {
		ids := map[int64]int64{}
		resolve := func(catalogID int64) (int64, bool, error) {
			if id, ok := ids[catalogID]; ok {
				return id, id != 0, nil
			}
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM problems WHERE catalog_id = ?`, catalogID).Scan(&id)
			if err == sql.ErrNoRows {
				ids[catalogID] = 0
				return 0, false, nil
			}
			if err != nil {
				return 0, false, fmt.Errorf("failed to resolve catalog id %d: %w", catalogID, err)
			}
			ids[catalogID] = id
			return id, true, nil
		}

		for _, r := range progress {
			problemID, ok, err := resolve(r.CatalogID)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Debug("Skipping progress for unknown catalog id", zap.Int64("catalog_id", r.CatalogID))
				continue
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO problem_progress
					(problem_id, status, repetitions, interval_days, ease_factor,
					 next_review_date, first_learned_at, last_reviewed_at, total_reviews)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(problem_id) DO UPDATE SET
					status = excluded.status,
					repetitions = excluded.repetitions,
					interval_days = excluded.interval_days,
					ease_factor = excluded.ease_factor,
					next_review_date = excluded.next_review_date,
					first_learned_at = excluded.first_learned_at,
					last_reviewed_at = excluded.last_reviewed_at,
					total_reviews = excluded.total_reviews`,
				problemID, r.Status, r.Repetitions, r.Interval, r.EaseFactor,
				dateToNullString(r.NextReviewDate), timeToNullString(r.FirstLearnedAt),
				timeToNullString(r.LastReviewedAt), r.TotalReviews)
			if err != nil {
				return fmt.Errorf("failed to upsert progress for catalog id %d: %w", r.CatalogID, err)
			}
			imported++
		}

		appended := 0
		for _, h := range history {
			problemID, ok, err := resolve(h.CatalogID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			var exists int
			err = tx.QueryRowContext(ctx, `
				SELECT 1 FROM review_history
				WHERE problem_id = ? AND review_date = ? AND quality = ?
				LIMIT 1`, problemID, formatTime(h.ReviewedAt), h.Quality).Scan(&exists)
			if err == nil {
				continue
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("failed to check history: %w", err)
			}
			if err := insertReview(ctx, tx, Review{
				ID:               uuid.New().String(),
				ProblemID:        problemID,
				ReviewedAt:       h.ReviewedAt,
				Quality:          h.Quality,
				IntervalBefore:   h.IntervalBefore,
				IntervalAfter:    h.IntervalAfter,
				EaseFactorBefore: h.EaseFactorBefore,
				EaseFactorAfter:  h.EaseFactorAfter,
			}); err != nil {
				return err
			}
			appended++
		}

		if err := setPreference(ctx, tx, PrefLastImportDate, formatTime(now), now); err != nil {
			return fmt.Errorf("failed to record import date: %w", err)
		}

		s.logger.Debug("Snapshot applied",
			zap.Int("progress_rows", imported),
			zap.Int("history_appended", appended),
			zap.Int("history_total", len(history)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}
