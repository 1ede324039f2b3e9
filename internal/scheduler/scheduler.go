// Package scheduler selects due cards and applies review ratings to them.
//
// It sits between the HTTP layer and a Store: SelectCards evaluates the due set
// for a user and mode, and SubmitReview runs the SM-2 transition for one card
// and persists the result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/snippet/internal/domain"
	"github.com/conorfennell/snippet/internal/sm2"
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetCard(ctx context.Context, id string) (*domain.Card, error)
	ListCards(ctx context.Context, q domain.CardQuery) ([]domain.Card, error)
	SetQueued(ctx context.Context, id string, inQueue bool, now time.Time) (*domain.Card, error)
	RecordReview(ctx context.Context, cardID string, expectedVersion int, state domain.ReviewState, log domain.ReviewLog) error
}

// Scheduler holds the dependencies for due-set selection and review submission.
type Scheduler struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithShuffle replaces the permutation used by appreciation mode.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(s *Scheduler) { s.shuffle = shuffle }
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a Scheduler over store.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		shuffle: rand.Shuffle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectCards returns the user's due set for mode, in presentation order.
//
// Only queued cards owned by userID are eligible. Study mode additionally
// requires the card to be due and orders by next review date; browse mode
// returns every queued card in the same order; appreciation mode returns every
// queued card in a fresh uniform random order on each call. SelectCards has no
// side effects.
func (s *Scheduler) SelectCards(ctx context.Context, userID string, mode domain.Mode, filters domain.Filters) ([]domain.Card, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", domain.ErrInvalidInput)
	}

	q := domain.CardQuery{UserID: userID, Filters: filters}
	switch mode {
	case domain.ModeStudy:
		now := s.now()
		q.DueBy = &now
	case domain.ModeBrowse, domain.ModeAppreciation:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidInput, mode)
	}

	cards, err := s.store.ListCards(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting %s cards: %w", domain.ErrStoreFailure, mode, err)
	}

	// A due set never crosses users, whatever the store returned.
	eligible := cards[:0]
	for _, c := range cards {
		if c.UserID == userID && c.InQueue && c.Review != nil {
			eligible = append(eligible, c)
		}
	}

	if mode == domain.ModeAppreciation {
		s.shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
	}

	s.logger.Debug("selected cards", "user", userID, "mode", mode, "count", len(eligible))
	return eligible, nil
}

// Result is what SubmitReview reports back to the caller.
type Result struct {
	CardID   string             `json:"cardId"`
	Review   domain.ReviewState `json:"review"`
	Interval int                `json:"interval"`
}

// SubmitReview applies a study-mode rating to a card and persists the new state.
//
// It fails with domain.ErrNotFound when the card does not exist or is not in
// the queue, domain.ErrForbidden when it belongs to another user,
// domain.ErrInvalidInput for a rating outside the four quality levels,
// domain.ErrConflict when the state changed since it was read, and
// domain.ErrStoreFailure when persistence fails. No state is changed on error.
func (s *Scheduler) SubmitReview(ctx context.Context, userID, cardID string, quality float64) (*Result, error) {
	card, err := s.ownedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	if !card.InQueue || card.Review == nil {
		return nil, fmt.Errorf("%w: card %s is not in the review queue", domain.ErrNotFound, cardID)
	}

	q, err := sm2.ParseQuality(quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	// Stores keep millisecond UTC; the returned state must match what a reload sees.
	now := s.now().UTC().Truncate(time.Millisecond)
	next := sm2.Next(q, card.Review.Schedule())
	state := domain.ReviewState{
		EaseFactor:     next.EaseFactor,
		Interval:       next.Interval,
		Repetitions:    next.Repetitions,
		NextReviewAt:   sm2.NextReviewDate(now, next.Interval),
		LastReviewedAt: &now,
		Version:        card.Review.Version + 1,
	}
	log := domain.ReviewLog{
		ID:          uuid.NewString(),
		CardID:      cardID,
		UserID:      userID,
		Quality:     float64(q),
		EaseFactor:  next.EaseFactor,
		Interval:    next.Interval,
		Repetitions: next.Repetitions,
		ReviewedAt:  now,
	}

	if err := s.store.RecordReview(ctx, cardID, card.Review.Version, state, log); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: recording review of card %s: %w", domain.ErrStoreFailure, cardID, err)
		}
	}

	s.logger.Info("review recorded",
		"user", userID,
		"card", cardID,
		"quality", q.String(),
		"interval", next.Interval,
		"repetitions", next.Repetitions,
		"ease", next.EaseFactor,
	)

	return &Result{CardID: cardID, Review: state, Interval: next.Interval}, nil
}

// SetQueued adds a card to or removes it from the review queue. Adding creates
// a default review state due immediately; removing discards the state.
func (s *Scheduler) SetQueued(ctx context.Context, userID, cardID string, inQueue bool) (*domain.Card, error) {
	if _, err := s.ownedCard(ctx, userID, cardID); err != nil {
		return nil, err
	}

	card, err := s.store.SetQueued(ctx, cardID, inQueue, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: changing queue membership of card %s: %w", domain.ErrStoreFailure, cardID, err)
	}

	s.logger.Info("queue membership changed", "user", userID, "card", cardID, "in_queue", inQueue)
	return card, nil
}

// ownedCard loads a card and checks that userID owns it.
func (s *Scheduler) ownedCard(ctx context.Context, userID, cardID string) (*domain.Card, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", domain.ErrInvalidInput)
	}

	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: loading card %s: %w", domain.ErrStoreFailure, cardID, err)
	}
	if card.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return card, nil
}
