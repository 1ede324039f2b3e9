package domain

import (
	"fmt"
	"time"
)

// Mode selects how the due set is filtered and ordered.
type Mode string

const (
	// ModeStudy returns only due cards, earliest first. Ratings mutate state.
	ModeStudy Mode = "study"
	// ModeBrowse returns every queued card, earliest first. Read-only.
	ModeBrowse Mode = "browse"
	// ModeAppreciation returns every queued card in a fresh random order. Read-only.
	ModeAppreciation Mode = "appreciation"
)

// ParseMode rejects anything other than the three known modes.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeStudy, ModeBrowse, ModeAppreciation:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
}

// Filters are the optional due-set restrictions. Zero values mean "no filter".
type Filters struct {
	ExcludeToEdit bool
	Topic         string
	Source        string
}

// CardQuery is what a store needs to evaluate the due set. Only queued cards
// owned by UserID are ever returned. When DueBy is set, cards whose next review
// is after it are excluded.
type CardQuery struct {
	UserID  string
	Filters Filters
	DueBy   *time.Time
}
