package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/danieldreier/mcp-recall/internal/catalog"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// Learning status values.
const (
	StatusNew       = "new"
	StatusLearning  = "learning"
	StatusReviewing = "reviewing"
)

// Problem is a catalog entry joined with the learner's progress on it.
type Problem struct {
	ID          int64     `json:"id"`
	CatalogID   int64     `json:"catalog_id"`
	Title       string    `json:"title"`
	Difficulty  string    `json:"difficulty"`
	Categories  []string  `json:"categories"`
	Tags        []string  `json:"tags"`
	Sets        []string  `json:"sets,omitempty"`
	LeetCodeURL string    `json:"leetcode_url,omitempty"`
	NeetCodeURL string    `json:"neetcode_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Progress    Progress  `json:"progress"`
	Note        string    `json:"note,omitempty"`
}

// Progress is the learning state of one problem. A problem that has never
// been started reports StatusNew with zero counters and the default ease.
type Progress struct {
	Status         string     `json:"status"`
	Repetitions    int        `json:"repetitions"`
	Interval       int        `json:"interval"`
	EaseFactor     float64    `json:"ease_factor"`
	NextReviewDate *time.Time `json:"next_review_date,omitempty"`
	FirstLearnedAt *time.Time `json:"first_learned_at,omitempty"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	TotalReviews   int        `json:"total_reviews"`
}

// SM2 returns the part of the progress the scheduler works on.
func (p Progress) SM2() sm2.State {
	return sm2.State{
		Repetitions: p.Repetitions,
		Interval:    p.Interval,
		EaseFactor:  p.EaseFactor,
	}
}

// Review is one entry of the append-only review history.
type Review struct {
	ID               string    `json:"id"`
	ProblemID        int64     `json:"problem_id"`
	ReviewedAt       time.Time `json:"reviewed_at"`
	Quality          int       `json:"quality"`
	IntervalBefore   int       `json:"interval_before"`
	IntervalAfter    int       `json:"interval_after"`
	EaseFactorBefore float64   `json:"ease_factor_before"`
	EaseFactorAfter  float64   `json:"ease_factor_after"`
}

// ReviewOutcome is what a submitted review produced.
type ReviewOutcome struct {
	ProblemID      int64       `json:"problem_id"`
	Quality        sm2.Quality `json:"quality"`
	Progress       Progress    `json:"progress"`
	NextReviewDate time.Time   `json:"next_review_date"`
	Review         Review      `json:"review"`
}

// Filter narrows ListProblems. All set fields must match.
type Filter struct {
	Difficulties []string
	Category     string
	// Status "" or "all" disables the filter; "new" also matches problems
	// that were never started.
	Status  string
	Search  string
	DueOnly bool
	Set     string
}

// ErrProblemNotFound is returned when a write targets an unknown problem id.
var ErrProblemNotFound = errors.New("problem not found")

// StorageError reports a failed unit of work. The transaction it belonged to
// has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrProblemNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Storage is the durable store for the catalog, progress, history, notes
// and preferences.
type Storage interface {
	// Catalog
	SeedCatalog(ctx context.Context, entries []catalog.Entry) (int, error)
	GetProblem(ctx context.Context, id int64) (*Problem, error)
	ListProblems(ctx context.Context, filter Filter, today time.Time) ([]Problem, error)
	ListDue(ctx context.Context, set string, today time.Time) ([]Problem, error)
	CountDue(ctx context.Context, set string, today time.Time) (int, error)
	ListCategories(ctx context.Context) ([]string, error)

	// Progress
	GetProgress(ctx context.Context, problemID int64) (*Progress, error)
	StartProblem(ctx context.Context, problemID int64, now time.Time) error
	SubmitReview(ctx context.Context, problemID int64, quality sm2.Quality, scheduler sm2.Scheduler, now time.Time) (ReviewOutcome, error)
	GetReviews(ctx context.Context, problemID int64) ([]Review, error)
	ResetAll(ctx context.Context) error
	ComputeStats(ctx context.Context, set string, today time.Time) (Stats, error)

	// Notes
	UpdateNote(ctx context.Context, problemID int64, content string, now time.Time) error

	// Preferences
	GetPreference(ctx context.Context, key string) (string, bool, error)
	SetPreference(ctx context.Context, key, value string, now time.Time) error

	// Snapshot support
	ExportRows(ctx context.Context) ([]ProgressRow, []HistoryRow, error)
	MaxLastReviewedAt(ctx context.Context) (*time.Time, error)
	ApplySnapshot(ctx context.Context, progress []ProgressRow, history []HistoryRow, now time.Time) (int, error)

	Close() error
}

// SQLiteStorage implements Storage on an embedded SQLite database.
type SQLiteStorage struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	// afterProgressWrite runs inside SubmitReview between the progress upsert
	// and the history append. Tests use it to force a mid-transaction failure.
	afterProgressWrite func() error
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_txlock", "immediate")
	connStr := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStorage{db: db, path: path, logger: logger}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Opened progress store", zap.String("path", path))
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("Failed to checkpoint WAL", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}

// withTx runs fn in a single transaction, committing only if fn succeeds.
func (s *SQLiteStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		s.logger.Debug("Transaction rolled back", zap.String("op", op), zap.Error(err))
		return wrapErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Accept anything RFC 3339 so hand-edited rows still load.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	local := t.Local()
	return &local
}

func dateToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: sm2.DateString(*t), Valid: true}
}

func nullStringToDate(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := sm2.ParseDate(ns.String, time.Local)
	if err != nil {
		return nil
	}
	return &t
}

var _ Storage = (*SQLiteStorage)(nil)
