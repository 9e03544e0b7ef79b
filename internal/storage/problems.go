package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danieldreier/mcp-recall/internal/catalog"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	"go.uber.org/zap"
)

const problemColumns = `
	p.id, p.catalog_id, p.title, p.difficulty, p.categories, p.tags, p.sets,
	p.leetcode_url, p.neetcode_url, p.created_at,
	COALESCE(pp.status, 'new'),
	COALESCE(pp.repetitions, 0),
	COALESCE(pp.interval_days, 0),
	COALESCE(pp.ease_factor, 2.5),
	pp.next_review_date, pp.first_learned_at, pp.last_reviewed_at,
	COALESCE(pp.total_reviews, 0),
	COALESCE(n.content, '')`

const problemJoins = `
	FROM problems p
	LEFT JOIN problem_progress pp ON pp.problem_id = p.id
	LEFT JOIN notes n ON n.problem_id = p.id`

// SeedCatalog inserts entries when the catalog is empty and reports how many
// rows were written. A non-empty catalog is left untouched.
func (s *SQLiteStorage) SeedCatalog(ctx context.Context, entries []catalog.Entry) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "seed catalog", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM problems`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count problems: %w", err)
		}
		if count > 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO problems (catalog_id, title, difficulty, categories, tags, sets, leetcode_url, neetcode_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		now := formatTime(time.Now())
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx,
				e.CatalogID, e.Title, e.Difficulty,
				encodeList(e.Categories), encodeList(e.Tags), encodeList(e.Sets),
				e.LeetCodeURL, e.NeetCodeURL, now,
			); err != nil {
				return fmt.Errorf("failed to insert catalog entry %d: %w", e.CatalogID, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("Catalog seed finished", zap.Int("inserted", inserted))
	return inserted, nil
}

// GetProblem returns the problem with the given id, or nil if there is none.
func (s *SQLiteStorage) GetProblem(ctx context.Context, id int64) (*Problem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+problemColumns+problemJoins+` WHERE p.id = ?`, id)
	p, err := scanProblem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get problem", err)
	}
	return p, nil
}

// ListProblems returns the problems matching every field of filter. Due
// problems come first, then never-reviewed ones, then the rest, each group
// in catalog order.
func (s *SQLiteStorage) ListProblems(ctx context.Context, filter Filter, today time.Time) ([]Problem, error) {
	todayStr := sm2.DateString(today)
	var conditions []string
	var args []any

	if len(filter.Difficulties) > 0 {
		placeholders := make([]string, len(filter.Difficulties))
		for i, d := range filter.Difficulties {
			placeholders[i] = "?"
			args = append(args, d)
		}
		conditions = append(conditions, "p.difficulty IN ("+strings.Join(placeholders, ", ")+")")
	}

	if filter.Category != "" {
		conditions = append(conditions,
			`EXISTS (SELECT 1 FROM json_each(p.categories) WHERE json_each.value LIKE ? ESCAPE '\')`)
		args = append(args, "%"+escapeLike(filter.Category)+"%")
	}

	switch filter.Status {
	case "", "all":
	case StatusNew:
		conditions = append(conditions, "(pp.status IS NULL OR pp.status = 'new')")
	default:
		conditions = append(conditions, "pp.status = ?")
		args = append(args, filter.Status)
	}

	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		conditions = append(conditions,
			`(p.title LIKE ? ESCAPE '\' OR CAST(p.catalog_id AS TEXT) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	if filter.DueOnly {
		conditions = append(conditions, "(pp.next_review_date IS NOT NULL AND pp.next_review_date <= ?)")
		args = append(args, todayStr)
	}

	if filter.Set != "" {
		conditions = append(conditions, setCondition)
		args = append(args, filter.Set)
	}

	query := `SELECT ` + problemColumns + problemJoins
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += `
	ORDER BY
		CASE
			WHEN pp.next_review_date IS NOT NULL AND pp.next_review_date <= ? THEN 0
			WHEN pp.last_reviewed_at IS NULL THEN 1
			ELSE 2
		END,
		p.catalog_id ASC`
	args = append(args, todayStr)

	s.logger.Debug("Listing problems",
		zap.Strings("difficulties", filter.Difficulties),
		zap.String("category", filter.Category),
		zap.String("status", filter.Status),
		zap.String("search", filter.Search),
		zap.Bool("due_only", filter.DueOnly),
		zap.String("set", filter.Set))

	return s.queryProblems(ctx, "list problems", query, args...)
}

const setCondition = `EXISTS (SELECT 1 FROM json_each(p.sets) WHERE json_each.value = ?)`

// dueCondition is the due predicate: scheduled on or before today and started.
const dueCondition = `pp.next_review_date IS NOT NULL AND pp.next_review_date <= ? AND pp.status != 'new'`

// ListDue returns every due problem, lowest ease first, ties by catalog id.
// An empty set means all sets.
func (s *SQLiteStorage) ListDue(ctx context.Context, set string, today time.Time) ([]Problem, error) {
	query := `SELECT ` + problemColumns + problemJoins + ` WHERE ` + dueCondition
	args := []any{sm2.DateString(today)}
	if set != "" {
		query += " AND " + setCondition
		args = append(args, set)
	}
	query += ` ORDER BY pp.ease_factor ASC, p.catalog_id ASC`
	return s.queryProblems(ctx, "list due", query, args...)
}

// CountDue returns how many problems are due, regardless of any session limit.
func (s *SQLiteStorage) CountDue(ctx context.Context, set string, today time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM problems p JOIN problem_progress pp ON pp.problem_id = p.id WHERE ` + dueCondition
	args := []any{sm2.DateString(today)}
	if set != "" {
		query += " AND " + setCondition
		args = append(args, set)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapErr("count due", err)
	}
	return count, nil
}

// ListCategories returns every distinct category, sorted.
func (s *SQLiteStorage) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT json_each.value
		FROM problems, json_each(problems.categories)
		ORDER BY json_each.value`)
	if err != nil {
		return nil, wrapErr("list categories", err)
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, wrapErr("list categories", err)
		}
		categories = append(categories, c)
	}
	return categories, wrapErr("list categories", rows.Err())
}

// UpdateNote replaces the note attached to a problem.
func (s *SQLiteStorage) UpdateNote(ctx context.Context, problemID int64, content string, now time.Time) error {
	return s.withTx(ctx, "update note", func(tx *sql.Tx) error {
		if err := requireProblem(ctx, tx, problemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notes (problem_id, content, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(problem_id) DO UPDATE SET
				content = excluded.content,
				updated_at = excluded.updated_at`,
			problemID, content, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to upsert note: %w", err)
		}
		return nil
	})
}

func requireProblem(ctx context.Context, q querier, problemID int64) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM problems WHERE id = ?`, problemID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("problem %d: %w", problemID, ErrProblemNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up problem: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) queryProblems(ctx context.Context, op, query string, args ...any) ([]Problem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	problems := []Problem{}
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		problems = append(problems, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return problems, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProblem(row scanner) (*Problem, error) {
	var (
		p                                  Problem
		categories, tags, sets, createdAt  string
		nextReview, firstLearned, lastSeen sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.CatalogID, &p.Title, &p.Difficulty, &categories, &tags, &sets,
		&p.LeetCodeURL, &p.NeetCodeURL, &createdAt,
		&p.Progress.Status, &p.Progress.Repetitions, &p.Progress.Interval, &p.Progress.EaseFactor,
		&nextReview, &firstLearned, &lastSeen,
		&p.Progress.TotalReviews, &p.Note,
	)
	if err != nil {
		return nil, err
	}
	p.Categories = decodeList(categories)
	p.Tags = decodeList(tags)
	p.Sets = decodeList(sets)
	if t, err := parseTime(createdAt); err == nil {
		p.CreatedAt = t.Local()
	}
	p.Progress.NextReviewDate = nullStringToDate(nextReview)
	p.Progress.FirstLearnedAt = nullStringToTime(firstLearned)
	p.Progress.LastReviewedAt = nullStringToTime(lastSeen)
	return &p, nil
}

func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(s string) []string {
	values := []string{}
	if s == "" {
		return values
	}
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return []string{}
	}
	return values
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
