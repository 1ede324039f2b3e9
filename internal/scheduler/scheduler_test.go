package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/conorfennell/snippet/internal/domain"
	"github.com/conorfennell/snippet/internal/storage"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "snippet.db"))
	if err != nil {
		t.Fatalf("storage.Open() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insert(t *testing.T, db *storage.DB, id, user string, inQueue bool, due time.Time) {
	t.Helper()
	c := &domain.Card{
		ID:        id,
		UserID:    user,
		Content:   id,
		Priority:  domain.PriorityMedium,
		InQueue:   inQueue,
		CreatedAt: t0.Add(-48 * time.Hour),
	}
	if inQueue {
		rs := domain.NewReviewState(due)
		c.Review = &rs
	}
	if err := db.InsertCard(context.Background(), c); err != nil {
		t.Fatalf("InsertCard(%s) returned an unexpected error: %v", id, err)
	}
}

func newTestScheduler(store Store, opts ...Option) *Scheduler {
	base := []Option{WithClock(func() time.Time { return t0 }), WithLogger(quietLogger())}
	return New(store, append(base, opts...)...)
}

func cardIDs(cards []domain.Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// twoCards sets up the overdue/upcoming pair used by the mode tests.
func twoCards(t *testing.T) *storage.DB {
	db := openStore(t)
	insert(t, db, "card1", "alice", true, t0.AddDate(0, 0, -1))
	insert(t, db, "card2", "alice", true, t0.AddDate(0, 0, 1))
	return db
}

func TestSelectCardsStudyOnlyDue(t *testing.T) {
	s := newTestScheduler(twoCards(t))

	cards, err := s.SelectCards(context.Background(), "alice", domain.ModeStudy, domain.Filters{})
	if err != nil {
		t.Fatalf("SelectCards() returned an unexpected error: %v", err)
	}
	if got := cardIDs(cards); !sameOrder(got, []string{"card1"}) {
		t.Errorf("Expected [card1], got %v", got)
	}
}

func TestSelectCardsStudyOrdersEarliestFirst(t *testing.T) {
	db := openStore(t)
	insert(t, db, "recent", "alice", true, t0.Add(-time.Hour))
	insert(t, db, "oldest", "alice", true, t0.AddDate(0, 0, -10))
	insert(t, db, "middle", "alice", true, t0.AddDate(0, 0, -3))
	insert(t, db, "exactly-now", "alice", true, t0)
	s := newTestScheduler(db)

	cards, err := s.SelectCards(context.Background(), "alice", domain.ModeStudy, domain.Filters{})
	if err != nil {
		t.Fatalf("SelectCards() returned an unexpected error: %v", err)
	}
	want := []string{"oldest", "middle", "recent", "exactly-now"}
	if got := cardIDs(cards); !sameOrder(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestSelectCardsBrowseIgnoresDueDate(t *testing.T) {
	s := newTestScheduler(twoCards(t))

	cards, err := s.SelectCards(context.Background(), "alice", domain.ModeBrowse, domain.Filters{})
	if err != nil {
		t.Fatalf("SelectCards() returned an unexpected error: %v", err)
	}
	if got := cardIDs(cards); !sameOrder(got, []string{"card1", "card2"}) {
		t.Errorf("Expected [card1 card2], got %v", got)
	}
}

func TestSelectCardsAppreciation(t *testing.T) {
	t.Run("returns the full set", func(t *testing.T) {
		s := newTestScheduler(twoCards(t))
		cards, err := s.SelectCards(context.Background(), "alice", domain.ModeAppreciation, domain.Filters{})
		if err != nil {
			t.Fatalf("SelectCards() returned an unexpected error: %v", err)
		}
		got := cardIDs(cards)
		sort.Strings(got)
		if !sameOrder(got, []string{"card1", "card2"}) {
			t.Errorf("Expected set {card1, card2}, got %v", got)
		}
	})

	t.Run("shuffles on every call", func(t *testing.T) {
		calls := 0
		reverse := func(n int, swap func(i, j int)) {
			calls++
			for i := 0; i < n/2; i++ {
				swap(i, n-1-i)
			}
		}
		s := newTestScheduler(twoCards(t), WithShuffle(reverse))

		for i := 0; i < 2; i++ {
			cards, err := s.SelectCards(context.Background(), "alice", domain.ModeAppreciation, domain.Filters{})
			if err != nil {
				t.Fatalf("SelectCards() returned an unexpected error: %v", err)
			}
			if got := cardIDs(cards); !sameOrder(got, []string{"card2", "card1"}) {
				t.Errorf("Expected the shuffled order [card2 card1], got %v", got)
			}
		}
		if calls != 2 {
			t.Errorf("Expected a fresh shuffle per call, got %d shuffles", calls)
		}
	})

	t.Run("default shuffle produces varied orders", func(t *testing.T) {
		db := openStore(t)
		for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			insert(t, db, id, "alice", true, t0)
		}
		s := newTestScheduler(db)

		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			cards, err := s.SelectCards(context.Background(), "alice", domain.ModeAppreciation, domain.Filters{})
			if err != nil {
				t.Fatalf("SelectCards() returned an unexpected error: %v", err)
			}
			if len(cards) != 8 {
				t.Fatalf("Expected 8 cards, got %d", len(cards))
			}
			key := ""
			for _, id := range cardIDs(cards) {
				key += id
			}
			seen[key] = true
		}
		// 20 draws from 8! orders all colliding is effectively impossible.
		if len(seen) < 2 {
			t.Errorf("Expected appreciation order to vary between calls, saw %d distinct orders", len(seen))
		}
	})
}

func TestSelectCardsExcludesUnqueued(t *testing.T) {
	db := openStore(t)
	insert(t, db, "queued", "alice", true, t0.AddDate(0, 0, -1))
	insert(t, db, "stale", "alice", true, t0.AddDate(0, 0, -30))
	if _, err := db.SetQueued(context.Background(), "stale", false, t0); err != nil {
		t.Fatalf("SetQueued() returned an unexpected error: %v", err)
	}
	s := newTestScheduler(db)

	for _, mode := range []domain.Mode{domain.ModeStudy, domain.ModeBrowse, domain.ModeAppreciation} {
		t.Run(string(mode), func(t *testing.T) {
			cards, err := s.SelectCards(context.Background(), "alice", mode, domain.Filters{})
			if err != nil {
				t.Fatalf("SelectCards() returned an unexpected error: %v", err)
			}
			if got := cardIDs(cards); !sameOrder(got, []string{"queued"}) {
				t.Errorf("Expected only [queued], got %v", got)
			}
		})
	}
}

func TestSelectCardsOwnershipIsolation(t *testing.T) {
	db := openStore(t)
	insert(t, db, "mine", "alice", true, t0.AddDate(0, 0, -1))
	insert(t, db, "theirs", "bob", true, t0.AddDate(0, 0, -1))
	s := newTestScheduler(db)

	for _, mode := range []domain.Mode{domain.ModeStudy, domain.ModeBrowse, domain.ModeAppreciation} {
		cards, err := s.SelectCards(context.Background(), "alice", mode, domain.Filters{})
		if err != nil {
			t.Fatalf("SelectCards(%s) returned an unexpected error: %v", mode, err)
		}
		if got := cardIDs(cards); !sameOrder(got, []string{"mine"}) {
			t.Errorf("%s: expected [mine], got %v", mode, got)
		}
	}
}

func TestSelectCardsRejectsBadInput(t *testing.T) {
	s := newTestScheduler(openStore(t))

	if _, err := s.SelectCards(context.Background(), "alice", domain.Mode("cram"), domain.Filters{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for unknown mode, got %v", err)
	}
	if _, err := s.SelectCards(context.Background(), "", domain.ModeStudy, domain.Filters{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for missing user, got %v", err)
	}
}

func TestSelectCardsIsReadOnly(t *testing.T) {
	db := twoCards(t)
	s := newTestScheduler(db)

	for _, mode := range []domain.Mode{domain.ModeStudy, domain.ModeBrowse, domain.ModeAppreciation} {
		if _, err := s.SelectCards(context.Background(), "alice", mode, domain.Filters{}); err != nil {
			t.Fatalf("SelectCards(%s) returned an unexpected error: %v", mode, err)
		}
	}
	card, err := db.GetCard(context.Background(), "card1")
	if err != nil {
		t.Fatalf("GetCard() returned an unexpected error: %v", err)
	}
	if card.Review.Version != 0 || card.Review.LastReviewedAt != nil {
		t.Errorf("Selecting cards changed review state: %+v", card.Review)
	}
}

func TestSubmitReview(t *testing.T) {
	db := openStore(t)
	insert(t, db, "c1", "alice", true, t0)
	s := newTestScheduler(db)
	ctx := context.Background()

	res, err := s.SubmitReview(ctx, "alice", "c1", 3.5)
	if err != nil {
		t.Fatalf("SubmitReview() returned an unexpected error: %v", err)
	}
	if res.Interval != 1 || res.Review.Repetitions != 1 {
		t.Errorf("Expected (interval=1, reps=1), got %+v", res)
	}

	res, err = s.SubmitReview(ctx, "alice", "c1", 3.5)
	if err != nil {
		t.Fatalf("second SubmitReview() returned an unexpected error: %v", err)
	}
	if res.Interval != 6 || res.Review.Repetitions != 2 {
		t.Errorf("Expected (interval=6, reps=2), got %+v", res)
	}
	if !res.Review.NextReviewAt.Equal(t0.AddDate(0, 0, 6)) {
		t.Errorf("Expected next review %v, got %v", t0.AddDate(0, 0, 6), res.Review.NextReviewAt)
	}

	stored, err := db.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCard() returned an unexpected error: %v", err)
	}
	rs := stored.Review
	if rs.Interval != 6 || rs.Repetitions != 2 || math.Abs(rs.EaseFactor-2.37) > 1e-9 {
		t.Errorf("Unexpected stored state %+v", rs)
	}
	if rs.LastReviewedAt == nil || !rs.LastReviewedAt.Equal(t0) {
		t.Errorf("Expected last reviewed at %v, got %v", t0, rs.LastReviewedAt)
	}
	if rs.Version != 2 {
		t.Errorf("Expected version 2, got %d", rs.Version)
	}

	logs, err := db.ListReviewLogs(ctx, "c1")
	if err != nil {
		t.Fatalf("ListReviewLogs() returned an unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("Expected 2 review logs, got %d", len(logs))
	}
}

func TestSubmitReviewResetsOnHard(t *testing.T) {
	db := openStore(t)
	insert(t, db, "c1", "alice", true, t0)
	s := newTestScheduler(db)
	ctx := context.Background()

	for _, q := range []float64{5, 5, 5} {
		if _, err := s.SubmitReview(ctx, "alice", "c1", q); err != nil {
			t.Fatalf("SubmitReview() returned an unexpected error: %v", err)
		}
	}
	res, err := s.SubmitReview(ctx, "alice", "c1", 2)
	if err != nil {
		t.Fatalf("SubmitReview() returned an unexpected error: %v", err)
	}
	if res.Interval != 1 || res.Review.Repetitions != 0 {
		t.Errorf("Expected Hard to reset to (1, 0), got (%d, %d)", res.Interval, res.Review.Repetitions)
	}
}

func TestSubmitReviewMatchesStoredTimes(t *testing.T) {
	db := openStore(t)
	insert(t, db, "c1", "alice", true, t0)
	offset := time.FixedZone("UTC-5", -5*60*60)
	clock := t0.Add(123456789 * time.Nanosecond).In(offset)
	s := newTestScheduler(db, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	res, err := s.SubmitReview(ctx, "alice", "c1", 5)
	if err != nil {
		t.Fatalf("SubmitReview() returned an unexpected error: %v", err)
	}

	stored, err := db.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCard() returned an unexpected error: %v", err)
	}
	got, want := res.Review, stored.Review
	if got.LastReviewedAt == nil || !got.LastReviewedAt.Equal(*want.LastReviewedAt) {
		t.Errorf("Expected last reviewed at %v, got %v", want.LastReviewedAt, got.LastReviewedAt)
	}
	if !got.NextReviewAt.Equal(want.NextReviewAt) || got.NextReviewAt.Location() != time.UTC {
		t.Errorf("Expected next review at %v, got %v", want.NextReviewAt, got.NextReviewAt)
	}
	if got.LastReviewedAt.Location() != time.UTC || got.LastReviewedAt.Nanosecond() != 123000000 {
		t.Errorf("Expected a millisecond UTC timestamp, got %v", got.LastReviewedAt)
	}

	logs, err := db.ListReviewLogs(ctx, "c1")
	if err != nil {
		t.Fatalf("ListReviewLogs() returned an unexpected error: %v", err)
	}
	if len(logs) != 1 || !logs[0].ReviewedAt.Equal(*got.LastReviewedAt) {
		t.Errorf("Expected the log to share the review time, got %+v", logs)
	}
}

func TestSubmitReviewErrors(t *testing.T) {
	db := openStore(t)
	insert(t, db, "queued", "alice", true, t0)
	insert(t, db, "unqueued", "alice", false, time.Time{})
	insert(t, db, "foreign", "bob", true, t0)
	s := newTestScheduler(db)

	testCases := []struct {
		name    string
		user    string
		card    string
		quality float64
		want    error
	}{
		{name: "Missing card", user: "alice", card: "nope", quality: 5, want: domain.ErrNotFound},
		{name: "Not in queue", user: "alice", card: "unqueued", quality: 5, want: domain.ErrNotFound},
		{name: "Foreign card", user: "alice", card: "foreign", quality: 5, want: domain.ErrForbidden},
		{name: "Invalid quality", user: "alice", card: "queued", quality: 3, want: domain.ErrInvalidInput},
		{name: "Negative quality", user: "alice", card: "queued", quality: -1, want: domain.ErrInvalidInput},
		{name: "Missing user", user: "", card: "queued", quality: 5, want: domain.ErrInvalidInput},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.SubmitReview(context.Background(), tc.user, tc.card, tc.quality)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	for _, id := range []string{"queued", "foreign"} {
		card, err := db.GetCard(context.Background(), id)
		if err != nil {
			t.Fatalf("GetCard(%s) returned an unexpected error: %v", id, err)
		}
		if card.Review.Version != 0 {
			t.Errorf("Card %s changed after rejected reviews: %+v", id, card.Review)
		}
	}
}

func TestSetQueuedLifecycle(t *testing.T) {
	db := openStore(t)
	insert(t, db, "c1", "alice", true, t0)
	insert(t, db, "foreign", "bob", true, t0)
	s := newTestScheduler(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.SubmitReview(ctx, "alice", "c1", 5); err != nil {
			t.Fatalf("SubmitReview() returned an unexpected error: %v", err)
		}
	}

	card, err := s.SetQueued(ctx, "alice", "c1", false)
	if err != nil {
		t.Fatalf("SetQueued(false) returned an unexpected error: %v", err)
	}
	if card.InQueue || card.Review != nil {
		t.Fatalf("Expected card out of queue, got %+v", card)
	}

	if _, err := s.SubmitReview(ctx, "alice", "c1", 5); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound reviewing a dequeued card, got %v", err)
	}

	card, err = s.SetQueued(ctx, "alice", "c1", true)
	if err != nil {
		t.Fatalf("SetQueued(true) returned an unexpected error: %v", err)
	}
	rs := card.Review
	if rs == nil || rs.EaseFactor != 2.5 || rs.Interval != 0 || rs.Repetitions != 0 {
		t.Errorf("Expected a fresh (2.5, 0, 0) state, got %+v", rs)
	}

	if _, err := s.SetQueued(ctx, "alice", "foreign", false); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for another user's card, got %v", err)
	}
	other, err := db.GetCard(ctx, "foreign")
	if err != nil {
		t.Fatalf("GetCard() returned an unexpected error: %v", err)
	}
	if !other.InQueue {
		t.Error("Another user's card was dequeued")
	}
}

// failingStore fails every call with a driver-level error.
type failingStore struct{ err error }

func (f failingStore) GetCard(context.Context, string) (*domain.Card, error) { return nil, f.err }
func (f failingStore) ListCards(context.Context, domain.CardQuery) ([]domain.Card, error) {
	return nil, f.err
}
func (f failingStore) SetQueued(context.Context, string, bool, time.Time) (*domain.Card, error) {
	return nil, f.err
}
func (f failingStore) RecordReview(context.Context, string, int, domain.ReviewState, domain.ReviewLog) error {
	return f.err
}

func TestStoreFailuresAreSurfaced(t *testing.T) {
	cause := errors.New("disk I/O error")
	s := newTestScheduler(failingStore{err: cause})
	ctx := context.Background()

	_, err := s.SelectCards(ctx, "alice", domain.ModeBrowse, domain.Filters{})
	if !errors.Is(err, domain.ErrStoreFailure) || !errors.Is(err, cause) {
		t.Errorf("SelectCards: expected ErrStoreFailure wrapping the cause, got %v", err)
	}

	_, err = s.SubmitReview(ctx, "alice", "c1", 5)
	if !errors.Is(err, domain.ErrStoreFailure) || !errors.Is(err, cause) {
		t.Errorf("SubmitReview: expected ErrStoreFailure wrapping the cause, got %v", err)
	}
}

// leakyStore ignores the query and returns whatever it holds.
type leakyStore struct {
	failingStore
	cards []domain.Card
}

func (l leakyStore) ListCards(context.Context, domain.CardQuery) ([]domain.Card, error) {
	out := make([]domain.Card, len(l.cards))
	copy(out, l.cards)
	return out, nil
}

func TestSelectCardsFiltersStoreResults(t *testing.T) {
	rs := domain.NewReviewState(t0)
	store := leakyStore{cards: []domain.Card{
		{ID: "mine", UserID: "alice", InQueue: true, Review: &rs},
		{ID: "theirs", UserID: "bob", InQueue: true, Review: &rs},
		{ID: "off", UserID: "alice", InQueue: false},
	}}
	s := newTestScheduler(store)

	cards, err := s.SelectCards(context.Background(), "alice", domain.ModeBrowse, domain.Filters{})
	if err != nil {
		t.Fatalf("SelectCards() returned an unexpected error: %v", err)
	}
	if got := cardIDs(cards); !sameOrder(got, []string{"mine"}) {
		t.Errorf("Expected [mine], got %v", got)
	}
}

func TestSubmitReviewConflict(t *testing.T) {
	db := openStore(t)
	insert(t, db, "c1", "alice", true, t0)
	s := newTestScheduler(conflictingStore{DB: db})

	_, err := s.SubmitReview(context.Background(), "alice", "c1", 5)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}

// conflictingStore simulates a concurrent review landing between read and write.
type conflictingStore struct {
	*storage.DB
}

func (c conflictingStore) RecordReview(ctx context.Context, cardID string, version int, state domain.ReviewState, log domain.ReviewLog) error {
	if err := c.DB.RecordReview(ctx, cardID, version, state, log); err != nil {
		return err
	}
	log.ID += "-late"
	return c.DB.RecordReview(ctx, cardID, version, state, log)
}
