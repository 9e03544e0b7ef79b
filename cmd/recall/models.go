package main

import (
	"time"

	"github.com/danieldreier/mcp-recall/internal/queue"
	"github.com/danieldreier/mcp-recall/internal/storage"
)

// ProblemDetail is a problem with its review history and what each rating
// would do to it.
type ProblemDetail struct {
	storage.Problem
	Reviews  []storage.Review  `json:"reviews"`
	Previews []IntervalPreview `json:"previews"`
}

// IntervalPreview is the interval one rating would schedule.
type IntervalPreview struct {
	Quality int    `json:"quality"`
	Label   string `json:"label"`
	Days    int    `json:"days"`
}

// SessionInfo describes today's review session.
type SessionInfo struct {
	Date      string `json:"date"`
	Completed int    `json:"completed"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

func newSessionInfo(s queue.Session, now time.Time) SessionInfo {
	return SessionInfo{
		Date:      s.Date,
		Completed: s.Completed,
		Limit:     s.Limit,
		Remaining: s.Remaining(now),
	}
}

// DueQueueResponse represents the response structure for get_due_queue
type DueQueueResponse struct {
	Problems []storage.Problem `json:"problems"`
	DueCount int               `json:"due_count"`
	Session  SessionInfo       `json:"session"`
}

// DueProblemResponse represents the response structure for get_due_problem.
// Problem is nil when nothing is due or the session is used up.
type DueProblemResponse struct {
	Problem  *ProblemDetail `json:"problem"`
	DueCount int            `json:"due_count"`
	Session  SessionInfo    `json:"session"`
	Message  string         `json:"message,omitempty"`
}

// ReviewResponse represents the response structure for submit_review
type ReviewResponse struct {
	Success        bool             `json:"success"`
	ProblemID      int64            `json:"problem_id"`
	Quality        string           `json:"quality"`
	NextDueDate    string           `json:"next_due_date"`
	NewInterval    int              `json:"new_interval"`
	Progress       storage.Progress `json:"progress"`
	Session        SessionInfo      `json:"session"`
	RemainingToday int              `json:"remaining_due"`
}

// StatusResponse is the generic {success, message} reply.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PreferenceResponse represents the response structure for get_preference.
// Value is nil when the key has never been set.
type PreferenceResponse struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// ImportResponse represents the response structure for import_snapshot
type ImportResponse struct {
	Success       bool   `json:"success"`
	ImportedCount int    `json:"imported_count"`
	Skipped       bool   `json:"skipped"`
	Message       string `json:"message,omitempty"`
}
