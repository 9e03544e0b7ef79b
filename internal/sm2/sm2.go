// Package sm2 implements the SM-2 derived scheduling formula used to decide
// when a practiced problem is presented again.
package sm2

import (
	"math"
	"time"
)

// Quality is the self-rated recall quality on the four-button scale.
type Quality int

const (
	Again Quality = iota // 0
	Hard                 // 1
	Good                 // 2
	Easy                 // 3
)

const (
	// DefaultEaseFactor is the ease assigned to a problem with no history.
	DefaultEaseFactor = 2.5
	// MinEaseFactor is the floor the ease factor never drops below.
	MinEaseFactor = 1.3

	// passThreshold separates failed recalls (Again, Hard) from passes.
	passThreshold = Good
)

// String returns the button label for the quality.
func (q Quality) String() string {
	switch q {
	case Again:
		return "Again"
	case Hard:
		return "Hard"
	case Good:
		return "Good"
	case Easy:
		return "Easy"
	default:
		return "Unknown"
	}
}

// Qualities lists every valid quality in ascending order.
func Qualities() []Quality {
	return []Quality{Again, Hard, Good, Easy}
}

// ClampQuality rounds an arbitrary numeric rating to the nearest integer and
// clamps it into [Again, Easy].
func ClampQuality(v float64) Quality {
	if math.IsNaN(v) {
		return Again
	}
	r := math.Round(v)
	if r < float64(Again) {
		return Again
	}
	if r > float64(Easy) {
		return Easy
	}
	return Quality(r)
}

// State is the part of a problem's learning state the formula reads and writes.
type State struct {
	Repetitions int     `json:"repetitions"`
	Interval    int     `json:"interval"`
	EaseFactor  float64 `json:"ease_factor"`
}

// NewState returns the state of a problem that has never been reviewed.
func NewState() State {
	return State{EaseFactor: DefaultEaseFactor}
}

// Result is the outcome of applying one rating.
type Result struct {
	State State
	// NextReviewDate is local midnight of the day the problem is next due.
	NextReviewDate time.Time
}

// Params tunes the formula. The zero value is not usable; start from DefaultParams.
type Params struct {
	MinEaseFactor float64
	// EasyBonus multiplies the interval when the rating is Easy.
	EasyBonus float64
	// FirstInterval and SecondInterval are the fixed gaps, in days, after the
	// first and second consecutive passes.
	FirstInterval  int
	SecondInterval int
}

// DefaultParams returns the fixed formula constants.
func DefaultParams() Params {
	return Params{
		MinEaseFactor:  MinEaseFactor,
		EasyBonus:      1.3,
		FirstInterval:  1,
		SecondInterval: 3,
	}
}

// Scheduler computes learning state transitions.
type Scheduler interface {
	// ComputeNextState applies quality to current, treating now as the moment
	// of review. The result's due date is normalized to the start of a local day.
	ComputeNextState(current State, quality Quality, now time.Time) Result

	// Previews returns the interval, in days, each quality would produce.
	Previews(current State, now time.Time) map[Quality]int
}

// SchedulerImpl implements the Scheduler interface
type SchedulerImpl struct {
	params Params
}

// NewScheduler creates a scheduler with the default formula constants
func NewScheduler() Scheduler {
	return &SchedulerImpl{
		params: DefaultParams(),
	}
}

// NewSchedulerWithParams creates a scheduler with custom constants
func NewSchedulerWithParams(params Params) Scheduler {
	return &SchedulerImpl{
		params: params,
	}
}

// ComputeNextState implements the Scheduler interface
func (s *SchedulerImpl) ComputeNextState(current State, quality Quality, now time.Time) Result {
	q := ClampQuality(float64(quality))
	ease := current.EaseFactor
	if ease == 0 {
		ease = DefaultEaseFactor
	}

	if q < passThreshold {
		next := State{
			Repetitions: 0,
			Interval:    0,
			EaseFactor:  math.Max(s.params.MinEaseFactor, ease-0.2),
		}
		return Result{State: next, NextReviewDate: AddDays(now, 0)}
	}

	// The ease adjustment is the classic 0-5 SM-2 term with Good and Easy
	// mapped onto 4 and 5.
	adjusted := float64(q + 2)
	newEase := math.Max(
		s.params.MinEaseFactor,
		ease+(0.1-(5-adjusted)*(0.08+(5-adjusted)*0.02)),
	)

	reps := current.Repetitions + 1
	var interval int
	switch reps {
	case 1:
		interval = s.params.FirstInterval
	case 2:
		interval = s.params.SecondInterval
	default:
		interval = int(math.Round(float64(current.Interval) * newEase))
	}

	if q == Easy {
		interval = int(math.Round(float64(interval) * s.params.EasyBonus))
	}

	next := State{
		Repetitions: reps,
		Interval:    interval,
		EaseFactor:  newEase,
	}
	return Result{State: next, NextReviewDate: AddDays(now, interval)}
}

// Previews implements the Scheduler interface
func (s *SchedulerImpl) Previews(current State, now time.Time) map[Quality]int {
	previews := make(map[Quality]int, 4)
	for _, q := range Qualities() {
		previews[q] = s.ComputeNextState(current, q, now).State.Interval
	}
	return previews
}

// StatusFor derives the learning status a problem holds after a review.
// Three or more consecutive passes graduate it to reviewing.
func StatusFor(repetitions int) string {
	if repetitions >= 3 {
		return "reviewing"
	}
	return "learning"
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddDays returns local midnight of the day that is days after t.
func AddDays(t time.Time, days int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, t.Location())
}

// DateString formats t as a civil YYYY-MM-DD date in its own location.
func DateString(t time.Time) string {
	return t.Format(time.DateOnly)
}

// ParseDate parses a YYYY-MM-DD civil date as local midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, loc)
}
