package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danieldreier/mcp-recall/internal/sm2"
)

// HistoryDays is how many local days of review activity ComputeStats reports.
const HistoryDays = 30

// DifficultyStats aggregates problems of one difficulty.
type DifficultyStats struct {
	Difficulty string `json:"difficulty"`
	Total      int    `json:"total"`
	Practiced  int    `json:"practiced"`
	Mastered   int    `json:"mastered"`
}

// CategoryStats aggregates problems of one category.
type CategoryStats struct {
	Category  string `json:"category"`
	Total     int    `json:"total"`
	Practiced int    `json:"practiced"`
}

// DayCount is the number of reviews recorded on one local date.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Stats summarises progress, optionally restricted to one problem set.
type Stats struct {
	Total         int               `json:"total"`
	Practiced     int               `json:"practiced"`
	DueToday      int               `json:"due_today"`
	TotalReviews  int               `json:"total_reviews"`
	ByDifficulty  []DifficultyStats `json:"by_difficulty"`
	ByCategory    []CategoryStats   `json:"by_category"`
	ReviewHistory []DayCount        `json:"review_history"`
}

// ComputeStats gathers the dashboard figures. A problem counts as practiced
// once it has been reviewed and as mastered once it has three consecutive
// passes.
func (s *SQLiteStorage) ComputeStats(ctx context.Context, set string, today time.Time) (Stats, error) {
	stats := Stats{
		ByDifficulty:  []DifficultyStats{},
		ByCategory:    []CategoryStats{},
		ReviewHistory: []DayCount{},
	}

	where := ""
	var setArgs []any
	if set != "" {
		where = " WHERE " + setCondition
		setArgs = []any{set}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.difficulty,
		       COUNT(*),
		       SUM(CASE WHEN pp.total_reviews > 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN pp.repetitions >= 3 THEN 1 ELSE 0 END)
		FROM problems p
		LEFT JOIN problem_progress pp ON pp.problem_id = p.id`+where+`
		GROUP BY p.difficulty
		ORDER BY CASE p.difficulty WHEN 'Easy' THEN 1 WHEN 'Medium' THEN 2 ELSE 3 END`, setArgs...)
	if err != nil {
		return Stats{}, wrapErr("compute stats", err)
	}
	for rows.Next() {
		var d DifficultyStats
		if err := rows.Scan(&d.Difficulty, &d.Total, &d.Practiced, &d.Mastered); err != nil {
			rows.Close()
			return Stats{}, wrapErr("compute stats", err)
		}
		stats.ByDifficulty = append(stats.ByDifficulty, d)
		stats.Total += d.Total
		stats.Practiced += d.Practiced
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, wrapErr("compute stats", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT json_each.value,
		       COUNT(*),
		       SUM(CASE WHEN pp.total_reviews > 0 THEN 1 ELSE 0 END)
		FROM problems p
		JOIN json_each(p.categories)
		LEFT JOIN problem_progress pp ON pp.problem_id = p.id`+where+`
		GROUP BY json_each.value
		ORDER BY COUNT(*) DESC, json_each.value ASC`, setArgs...)
	if err != nil {
		return Stats{}, wrapErr("compute stats", err)
	}
	for rows.Next() {
		var c CategoryStats
		if err := rows.Scan(&c.Category, &c.Total, &c.Practiced); err != nil {
			rows.Close()
			return Stats{}, wrapErr("compute stats", err)
		}
		stats.ByCategory = append(stats.ByCategory, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, wrapErr("compute stats", err)
	}

	if stats.DueToday, err = s.CountDue(ctx, set, today); err != nil {
		return Stats{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_history rh
		JOIN problems p ON p.id = rh.problem_id`+where, setArgs...).Scan(&stats.TotalReviews)
	if err != nil {
		return Stats{}, wrapErr("compute stats", err)
	}

	if stats.ReviewHistory, err = s.reviewHistory(ctx, where, setArgs, today); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// reviewHistory counts reviews per local date over the last HistoryDays days,
// newest first, omitting days without reviews.
func (s *SQLiteStorage) reviewHistory(ctx context.Context, where string, setArgs []any, today time.Time) ([]DayCount, error) {
	since := sm2.AddDays(today, -(HistoryDays - 1))
	cond := " WHERE rh.review_date >= ?"
	if where != "" {
		cond += " AND " + setCondition
	}
	args := append([]any{formatTime(since)}, setArgs...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT rh.review_date FROM review_history rh
		JOIN problems p ON p.id = rh.problem_id`+cond, args...)
	if err != nil {
		return nil, wrapErr("review history", err)
	}
	defer rows.Close()

	loc := today.Location()
	counts := map[string]int{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapErr("review history", err)
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, wrapErr("review history", fmt.Errorf("bad review_date %q: %w", raw, err))
		}
		counts[sm2.DateString(t.In(loc))]++
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("review history", err)
	}

	history := make([]DayCount, 0, len(counts))
	for date, n := range counts {
		history = append(history, DayCount{Date: date, Count: n})
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].Date > history[j].Date
	})
	return history, nil
}
