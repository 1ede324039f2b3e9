package sm2

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Quality is the user's self-reported recall for a review.
// Only the four levels below are valid.
type Quality float64

const (
	Unfamiliar Quality = 0
	Hard       Quality = 2
	Good       Quality = 3.5
	Easy       Quality = 5
)

const (
	// MinEase is the floor for the ease factor.
	MinEase = 1.3
	// InitialEase is the ease factor of a freshly queued card.
	InitialEase = 2.5
	// passThreshold splits resetting ratings from advancing ones.
	passThreshold = 3
)

// ErrInvalidQuality is returned by ParseQuality for values outside the four levels.
var ErrInvalidQuality = errors.New("sm2: invalid quality")

// Valid reports whether q is exactly one of Unfamiliar, Hard, Good or Easy.
func (q Quality) Valid() bool {
	switch q {
	case Unfamiliar, Hard, Good, Easy:
		return true
	}
	return false
}

// String returns the rating's name, or "Quality(x)" for invalid values.
func (q Quality) String() string {
	switch q {
	case Unfamiliar:
		return "Unfamiliar"
	case Hard:
		return "Hard"
	case Good:
		return "Good"
	case Easy:
		return "Easy"
	}
	return fmt.Sprintf("Quality(%g)", float64(q))
}

// ParseQuality converts a raw rating into a Quality, rejecting anything that is
// not one of the four levels. Values are never coerced.
func ParseQuality(v float64) (Quality, error) {
	q := Quality(v)
	if !q.Valid() {
		return 0, fmt.Errorf("%w: %g", ErrInvalidQuality, v)
	}
	return q, nil
}

// State holds the scheduling fields that a review replaces.
type State struct {
	EaseFactor  float64
	Interval    int
	Repetitions int
}

// Initial returns the state of a card that has just entered the queue.
func Initial() State {
	return State{
		EaseFactor:  InitialEase,
		Interval:    0,
		Repetitions: 0,
	}
}

// Next computes the state that follows a review rated q.
// q must be valid; callers reject invalid ratings before calling Next.
//
// Any rating below 3 (Unfamiliar and Hard alike) resets repetitions to 0 and
// the interval to 1 day. The ease factor is adjusted for every rating and
// never drops below MinEase.
func Next(q Quality, prior State) State {
	newEase := nextEase(prior.EaseFactor, float64(q))

	if float64(q) < passThreshold {
		return State{
			EaseFactor:  newEase,
			Interval:    1,
			Repetitions: 0,
		}
	}

	reps := prior.Repetitions + 1
	var interval int
	switch reps {
	case 1:
		interval = 1
	case 2:
		interval = 6
	default:
		interval = int(math.Round(float64(prior.Interval) * newEase))
	}
	// Only reachable if a caller hands in a corrupted prior interval.
	if interval < 1 {
		interval = 1
	}

	return State{
		EaseFactor:  newEase,
		Interval:    interval,
		Repetitions: reps,
	}
}

// nextEase applies EF' = EF + (0.1 - (5-q) * (0.08 + (5-q) * 0.02)), floored at MinEase.
func nextEase(ease, q float64) float64 {
	d := 5 - q
	return math.Max(MinEase, ease+(0.1-d*(0.08+d*0.02)))
}

// NextReviewDate returns the moment a card with the given interval becomes due.
// It adds calendar days, so a review scheduled across a DST change keeps its
// wall-clock time.
func NextReviewDate(now time.Time, intervalDays int) time.Time {
	return now.AddDate(0, 0, intervalDays)
}
