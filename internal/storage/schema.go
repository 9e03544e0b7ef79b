package storage

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS problems (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    catalog_id   INTEGER NOT NULL UNIQUE,
    title        TEXT NOT NULL,
    difficulty   TEXT NOT NULL CHECK (difficulty IN ('Easy', 'Medium', 'Hard')),
    categories   TEXT NOT NULL DEFAULT '[]',
    tags         TEXT NOT NULL DEFAULT '[]',
    sets         TEXT NOT NULL DEFAULT '[]',
    leetcode_url TEXT NOT NULL DEFAULT '',
    neetcode_url TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS problem_progress (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    problem_id       INTEGER NOT NULL UNIQUE REFERENCES problems(id) ON DELETE CASCADE,
    status           TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'learning', 'reviewing')),
    repetitions      INTEGER NOT NULL DEFAULT 0 CHECK (repetitions >= 0),
    interval_days    INTEGER NOT NULL DEFAULT 0 CHECK (interval_days >= 0),
    ease_factor      REAL NOT NULL DEFAULT 2.5 CHECK (ease_factor >= 1.3),
    next_review_date TEXT,
    first_learned_at TEXT,
    last_reviewed_at TEXT,
    total_reviews    INTEGER NOT NULL DEFAULT 0 CHECK (total_reviews >= 0)
);

CREATE TABLE IF NOT EXISTS review_history (
    id                 TEXT PRIMARY KEY,
    problem_id         INTEGER NOT NULL REFERENCES problems(id) ON DELETE CASCADE,
    review_date        TEXT NOT NULL,
    quality            INTEGER NOT NULL CHECK (quality BETWEEN 0 AND 3),
    interval_before    INTEGER NOT NULL DEFAULT 0,
    interval_after     INTEGER NOT NULL DEFAULT 0,
    ease_factor_before REAL NOT NULL DEFAULT 2.5,
    ease_factor_after  REAL NOT NULL DEFAULT 2.5
);

CREATE TABLE IF NOT EXISTS notes (
    problem_id INTEGER PRIMARY KEY REFERENCES problems(id) ON DELETE CASCADE,
    content    TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_progress_next_review ON problem_progress(next_review_date);
CREATE INDEX IF NOT EXISTS idx_progress_status ON problem_progress(status);
CREATE INDEX IF NOT EXISTS idx_history_problem ON review_history(problem_id);
CREATE INDEX IF NOT EXISTS idx_history_natural_key ON review_history(problem_id, review_date, quality);
CREATE INDEX IF NOT EXISTS idx_history_date ON review_history(review_date);
`

// InitSchema creates all tables and indexes. It is idempotent.
func (s *SQLiteStorage) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
