// Package stats derives read-only maturity figures from cards and their
// review states. Nothing here is persisted.
package stats

import (
	"time"

	"github.com/conorfennell/snippet/internal/domain"
)

const (
	// MatureInterval is the interval, in days, at which a card counts as mature.
	MatureInterval = 21
	// VeteranAge is how long a mature card must have existed to count as a veteran.
	VeteranAge = 180 * 24 * time.Hour
)

// Stage is a card's position in the scheduling lifecycle.
type Stage string

const (
	StageNotQueued Stage = "not_queued"
	StageNew       Stage = "new"
	StageLearning  Stage = "learning"
	StageYoung     Stage = "young"
	StageMature    Stage = "mature"
)

// StageOf classifies a card. New means never reviewed. A card reset by a
// failed review is learning again, like one with a single successful
// repetition; both have intervals below MatureInterval.
func StageOf(c domain.Card) Stage {
	if !c.InQueue || c.Review == nil {
		return StageNotQueued
	}
	rs := c.Review
	switch {
	case rs.LastReviewedAt == nil:
		return StageNew
	case rs.Repetitions <= 1:
		return StageLearning
	case rs.Interval < MatureInterval:
		return StageYoung
	default:
		return StageMature
	}
}

// Summary counts a user's cards by stage. Total and the buckets cover queued
// cards only; NotQueued counts the rest.
type Summary struct {
	Total     int `json:"total"`
	Due       int `json:"due"`
	New       int `json:"new"`
	Learning  int `json:"learning"`
	Young     int `json:"young"`
	Mature    int `json:"mature"`
	Veteran   int `json:"veteran"`
	NotQueued int `json:"notQueued"`
}

// Summarize buckets cards by StageOf. Mature cards older than VeteranAge are
// counted as veterans instead.
func Summarize(cards []domain.Card, now time.Time) Summary {
	var s Summary
	for _, c := range cards {
		stage := StageOf(c)
		if stage == StageNotQueued {
			s.NotQueued++
			continue
		}

		s.Total++
		if !c.Review.NextReviewAt.After(now) {
			s.Due++
		}

		switch stage {
		case StageNew:
			s.New++
		case StageLearning:
			s.Learning++
		case StageYoung:
			s.Young++
		case StageMature:
			if now.Sub(c.CreatedAt) >= VeteranAge {
				s.Veteran++
			} else {
				s.Mature++
			}
		}
	}
	return s
}
