package domain

import (
	"fmt"
	"time"

	"github.com/conorfennell/snippet/internal/sm2"
)

// Priority is an informational tag on a card. It never affects scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority maps an empty string to PriorityMedium and rejects unknown values.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
	return p, nil
}

// Card is a unit of study content owned by a single user.
// Review is non-nil if and only if InQueue is true.
type Card struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	Note        string       `json:"note,omitempty"`
	Source      string       `json:"source,omitempty"`
	Topics      []string     `json:"topics"`
	Priority    Priority     `json:"priority"`
	ToEdit      bool         `json:"toEdit"`
	InQueue     bool         `json:"inQueue"`
	ContentHash string       `json:"-"`
	CreatedAt   time.Time    `json:"createdAt"`
	Review      *ReviewState `json:"review,omitempty"`
}

// HasTopic reports whether the card is tagged with topic.
func (c Card) HasTopic(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ReviewState is the spaced-repetition state attached to a queued card.
type ReviewState struct {
	EaseFactor     float64    `json:"easeFactor"`
	Interval       int        `json:"interval"`
	Repetitions    int        `json:"repetitions"`
	NextReviewAt   time.Time  `json:"nextReviewAt"`
	LastReviewedAt *time.Time `json:"lastReviewedAt,omitempty"`
	// Version increments on every persisted review and guards concurrent writes.
	Version int `json:"version"`
}

// NewReviewState returns the state of a card that has just entered the queue.
// It is due immediately.
func NewReviewState(now time.Time) ReviewState {
	s := sm2.Initial()
	return ReviewState{
		EaseFactor:   s.EaseFactor,
		Interval:     s.Interval,
		Repetitions:  s.Repetitions,
		NextReviewAt: now,
	}
}

// Schedule returns the fields the SM-2 transition works on.
func (r ReviewState) Schedule() sm2.State {
	return sm2.State{
		EaseFactor:  r.EaseFactor,
		Interval:    r.Interval,
		Repetitions: r.Repetitions,
	}
}

// ReviewLog records a single review submission.
type ReviewLog struct {
	ID          string    `json:"id"`
	CardID      string    `json:"cardId"`
	UserID      string    `json:"userId"`
	Quality     float64   `json:"quality"`
	EaseFactor  float64   `json:"easeFactor"`
	Interval    int       `json:"interval"`
	Repetitions int       `json:"repetitions"`
	ReviewedAt  time.Time `json:"reviewedAt"`
}
