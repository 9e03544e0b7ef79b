// Package queue decides which due problems are presented and in what order,
// and caps how many reviews a single local day's session asks for.
package queue

import (
	"sort"
	"strconv"
	"time"

	"github.com/danieldreier/mcp-recall/internal/sm2"
)

// DefaultSessionLimit is how many reviews a session asks for before the
// learner has to request more.
const DefaultSessionLimit = 5

// Item is the view of a problem the policy needs.
type Item struct {
	ProblemID      int64
	CatalogID      int64
	Status         string
	EaseFactor     float64
	NextReviewDate *time.Time
}

// IsDue reports whether an item has been scheduled on or before today's
// local date and has actually been started.
func IsDue(item Item, today time.Time) bool {
	if item.NextReviewDate == nil || item.Status == "new" || item.Status == "" {
		return false
	}
	return sm2.DateString(*item.NextReviewDate) <= sm2.DateString(today)
}

// Order sorts items lowest ease first, ties broken by catalog id.
func Order(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].EaseFactor != items[j].EaseFactor {
			return items[i].EaseFactor < items[j].EaseFactor
		}
		return items[i].CatalogID < items[j].CatalogID
	})
}

// Due filters items down to the due ones and orders them.
func Due(items []Item, today time.Time) []Item {
	due := make([]Item, 0, len(items))
	for _, it := range items {
		if IsDue(it, today) {
			due = append(due, it)
		}
	}
	Order(due)
	return due
}

// Session counts completed reviews for one local calendar day.
type Session struct {
	Date      string `json:"date"`
	Completed int    `json:"completed"`
	Limit     int    `json:"limit"`
}

// NewSession starts an empty session for the day containing now.
func NewSession(now time.Time, limit int) Session {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	return Session{Date: sm2.DateString(now), Limit: limit}
}

// Roll resets the counter when now falls on a different local date than the
// session. It reports whether a rollover happened.
func (s *Session) Roll(now time.Time) bool {
	if s.Limit <= 0 {
		s.Limit = DefaultSessionLimit
	}
	today := sm2.DateString(now)
	if s.Date == today {
		return false
	}
	s.Date = today
	s.Completed = 0
	return true
}

// Remaining is how many more reviews the session allows today.
func (s *Session) Remaining(now time.Time) int {
	s.Roll(now)
	if r := s.Limit - s.Completed; r > 0 {
		return r
	}
	return 0
}

// Exhausted reports whether today's allowance is used up.
func (s *Session) Exhausted(now time.Time) bool {
	return s.Remaining(now) == 0
}

// RecordCompletion counts one finished review.
func (s *Session) RecordCompletion(now time.Time) {
	s.Roll(now)
	s.Completed++
}

// LoadMore grants another full allowance for today.
func (s *Session) LoadMore(now time.Time) {
	s.Roll(now)
	s.Completed = 0
}

// Reset clears the session as if the day had just begun.
func (s *Session) Reset(now time.Time) {
	s.Date = sm2.DateString(now)
	s.Completed = 0
}

// Window returns the slice of ordered due items that may be shown now,
// starting at offset and bounded by the session's remaining allowance.
func Window(due []Item, session *Session, offset int, now time.Time) []Item {
	remaining := session.Remaining(now)
	if remaining == 0 || offset >= len(due) {
		return []Item{}
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + remaining
	if end > len(due) {
		end = len(due)
	}
	out := make([]Item, end-offset)
	copy(out, due[offset:end])
	return out
}

// Next returns the first item the session would present, if any.
func Next(due []Item, session *Session, now time.Time) (Item, bool) {
	w := Window(due, session, 0, now)
	if len(w) == 0 {
		return Item{}, false
	}
	return w[0], true
}

// PreferenceStore is the key/value persistence a session is kept in.
type PreferenceStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Preference keys used to persist a session.
const (
	KeyDate      = "session_date"
	KeyCompleted = "session_completed"
	KeyLimit     = "session_limit"
)

// LoadSession restores the session from prefs, falling back to a fresh one
// with defaultLimit for any missing or unreadable value.
func LoadSession(prefs PreferenceStore, now time.Time, defaultLimit int) (Session, error) {
	session := NewSession(now, defaultLimit)

	if v, ok, err := prefs.Get(KeyLimit); err != nil {
		return session, err
	} else if ok {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			session.Limit = n
		}
	}

	date, ok, err := prefs.Get(KeyDate)
	if err != nil {
		return session, err
	}
	if !ok {
		return session, nil
	}
	session.Date = date

	if v, ok, err := prefs.Get(KeyCompleted); err != nil {
		return session, err
	} else if ok {
		if n, convErr := strconv.Atoi(v); convErr == nil && n >= 0 {
			session.Completed = n
		}
	}

	session.Roll(now)
	return session, nil
}

// SaveSession writes the session to prefs.
func SaveSession(prefs PreferenceStore, session Session) error {
	if err := prefs.Set(KeyDate, session.Date); err != nil {
		return err
	}
	if err := prefs.Set(KeyCompleted, strconv.Itoa(session.Completed)); err != nil {
		return err
	}
	return prefs.Set(KeyLimit, strconv.Itoa(session.Limit))
}
