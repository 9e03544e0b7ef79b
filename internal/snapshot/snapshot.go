// Package snapshot exports the learner's progress as a portable document and
// folds such a document from another device back into the local store.
//
// Reconciliation is whole-snapshot last-write-wins: a snapshot is applied only
// when it was exported after every review the local store knows about, and
// then its learning states replace the local ones wholesale. History is
// append-only and de-duplicated by (problem, review time, quality).
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/storage"
)

// FormatVersion is written into every exported snapshot.
const FormatVersion = "1.0"

// FileName is the snapshot file kept in a sync folder.
const FileName = "recall-progress.json"

// Snapshot is the persisted sync document.
type Snapshot struct {
	Version    string          `json:"version"`
	ExportDate time.Time       `json:"exportDate"`
	AppVersion string          `json:"appVersion"`
	Progress   []ProgressEntry `json:"progress"`
	History    []HistoryEntry  `json:"history"`
}

// ProgressEntry is one learning state keyed by catalog id.
type ProgressEntry struct {
	CatalogID      int64      `json:"catalogId"`
	Status         string     `json:"status"`
	Repetitions    int        `json:"repetitions"`
	Interval       int        `json:"interval"`
	EaseFactor     float64    `json:"easeFactor"`
	NextReviewDate *string    `json:"nextReviewDate"`
	FirstLearnedAt *time.Time `json:"firstLearnedAt"`
	LastReviewedAt *time.Time `json:"lastReviewedAt"`
	TotalReviews   int        `json:"totalReviews"`
}

// HistoryEntry is one review keyed by catalog id.
type HistoryEntry struct {
	CatalogID        int64     `json:"catalogId"`
	ReviewDate       time.Time `json:"reviewDate"`
	Quality          int       `json:"quality"`
	IntervalBefore   int       `json:"intervalBefore"`
	IntervalAfter    int       `json:"intervalAfter"`
	EaseFactorBefore float64   `json:"easeFactorBefore"`
	EaseFactorAfter  float64   `json:"easeFactorAfter"`
}

// ValidationError reports a malformed snapshot. A snapshot that fails
// validation is never applied, not even in part.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid snapshot"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Decode reads and validates a snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, &ValidationError{Reason: "malformed document", Err: err}
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Encode writes the snapshot as indented JSON.
func (s *Snapshot) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Validate checks the required fields and the value ranges of every entry.
// A progress entry's status must agree with its repetitions the same way the
// scheduler derives it.
func (s *Snapshot) Validate() error {
	if s.Version == "" {
		return invalid("version", "missing")
	}
	if major, _, _ := strings.Cut(s.Version, "."); major != "1" {
		return invalid("version", "unsupported version %q", s.Version)
	}
	if s.ExportDate.IsZero() {
		return invalid("exportDate", "missing")
	}
	if s.Progress == nil {
		return invalid("progress", "missing")
	}

	for i, p := range s.Progress {
		field := fmt.Sprintf("progress[%d]", i)
		switch {
		case p.CatalogID <= 0:
			return invalid(field, "catalogId must be positive")
		case p.Status != storage.StatusNew && p.Status != storage.StatusLearning && p.Status != storage.StatusReviewing:
			return invalid(field, "unknown status %q", p.Status)
		case p.Repetitions < 0 || p.Interval < 0 || p.TotalReviews < 0:
			return invalid(field, "counters must not be negative")
		case p.EaseFactor < sm2.MinEaseFactor:
			return invalid(field, "easeFactor %.2f below %.1f", p.EaseFactor, sm2.MinEaseFactor)
		case p.Status == storage.StatusNew && (p.Repetitions > 0 || p.TotalReviews > 0):
			return invalid(field, "status new with recorded reviews")
		case p.Status != storage.StatusNew && p.Status != sm2.StatusFor(p.Repetitions):
			return invalid(field, "status %q does not match %d repetitions", p.Status, p.Repetitions)
		}
		if p.NextReviewDate != nil {
			if _, err := sm2.ParseDate(*p.NextReviewDate, time.Local); err != nil {
				return &ValidationError{Field: field, Reason: "bad nextReviewDate", Err: err}
			}
		}
	}

	for i, h := range s.History {
		field := fmt.Sprintf("history[%d]", i)
		switch {
		case h.CatalogID <= 0:
			return invalid(field, "catalogId must be positive")
		case h.ReviewDate.IsZero():
			return invalid(field, "reviewDate missing")
		case h.Quality < int(sm2.Again) || h.Quality > int(sm2.Easy):
			return invalid(field, "quality %d out of range", h.Quality)
		}
	}
	return nil
}

// FromRows builds a snapshot from exported store rows.
func FromRows(progress []storage.ProgressRow, history []storage.HistoryRow, appVersion string, now time.Time) *Snapshot {
	snap := &Snapshot{
		Version:    FormatVersion,
		ExportDate: now.UTC(),
		AppVersion: appVersion,
		Progress:   make([]ProgressEntry, 0, len(progress)),
		History:    make([]HistoryEntry, 0, len(history)),
	}
	for _, r := range progress {
		e := ProgressEntry{
			CatalogID:      r.CatalogID,
			Status:         r.Status,
			Repetitions:    r.Repetitions,
			Interval:       r.Interval,
			EaseFactor:     r.EaseFactor,
			FirstLearnedAt: utc(r.FirstLearnedAt),
			LastReviewedAt: utc(r.LastReviewedAt),
			TotalReviews:   r.TotalReviews,
		}
		if r.NextReviewDate != nil {
			d := sm2.DateString(*r.NextReviewDate)
			e.NextReviewDate = &d
		}
		snap.Progress = append(snap.Progress, e)
	}
	for _, h := range history {
		snap.History = append(snap.History, HistoryEntry{
			CatalogID:        h.CatalogID,
			ReviewDate:       h.ReviewedAt.UTC(),
			Quality:          h.Quality,
			IntervalBefore:   h.IntervalBefore,
			IntervalAfter:    h.IntervalAfter,
			EaseFactorBefore: h.EaseFactorBefore,
			EaseFactorAfter:  h.EaseFactorAfter,
		})
	}
	return snap
}

// Rows converts a validated snapshot back into store rows.
func (s *Snapshot) Rows() ([]storage.ProgressRow, []storage.HistoryRow, error) {
	progress := make([]storage.ProgressRow, 0, len(s.Progress))
	for i, e := range s.Progress {
		r := storage.ProgressRow{
			CatalogID: e.CatalogID,
			Progress: storage.Progress{
				Status:         e.Status,
				Repetitions:    e.Repetitions,
				Interval:       e.Interval,
				EaseFactor:     e.EaseFactor,
				FirstLearnedAt: e.FirstLearnedAt,
				LastReviewedAt: e.LastReviewedAt,
				TotalReviews:   e.TotalReviews,
			},
		}
		if e.NextReviewDate != nil {
			d, err := sm2.ParseDate(*e.NextReviewDate, time.Local)
			if err != nil {
				return nil, nil, &ValidationError{Field: fmt.Sprintf("progress[%d]", i), Reason: "bad nextReviewDate", Err: err}
			}
			r.NextReviewDate = &d
		}
		progress = append(progress, r)
	}

	history := make([]storage.HistoryRow, 0, len(s.History))
	for _, e := range s.History {
		history = append(history, storage.HistoryRow{
			CatalogID:        e.CatalogID,
			ReviewedAt:       e.ReviewDate,
			Quality:          e.Quality,
			IntervalBefore:   e.IntervalBefore,
			IntervalAfter:    e.IntervalAfter,
			EaseFactorBefore: e.EaseFactorBefore,
			EaseFactorAfter:  e.EaseFactorAfter,
		})
	}
	return progress, history, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
