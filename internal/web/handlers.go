package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/conorfennell/snippet/internal/auth"
	"github.com/conorfennell/snippet/internal/domain"
	"github.com/conorfennell/snippet/internal/knol"
	"github.com/conorfennell/snippet/internal/stats"
)

func newCardID() (string, error) {
	return gonanoid.New()
}

type createCardRequest struct {
	Content  string   `json:"content" validate:"required"`
	Note     string   `json:"note"`
	Source   string   `json:"source"`
	Topics   []string `json:"topics" validate:"omitempty,dive,required"`
	Priority string   `json:"priority" validate:"omitempty,oneof=low medium high"`
	ToEdit   bool     `json:"toEdit"`
	InQueue  *bool    `json:"inQueue"`
}

// updateCardRequest only changes the fields that are present.
type updateCardRequest struct {
	Content  *string  `json:"content" validate:"omitnil,min=1"`
	Note     *string  `json:"note"`
	Source   *string  `json:"source"`
	Topics   []string `json:"topics" validate:"omitempty,dive,required"`
	Priority *string  `json:"priority" validate:"omitnil,oneof=low medium high"`
	ToEdit   *bool    `json:"toEdit"`
}

type queueRequest struct {
	InQueue *bool `json:"inQueue" validate:"required"`
}

type reviewRequest struct {
	Quality *float64 `json:"quality" validate:"required"`
}

// cardView is a card as the card endpoints return it, with its derived stage.
type cardView struct {
	domain.Card
	Stage stats.Stage `json:"stage"`
}

func viewOf(c domain.Card) cardView {
	return cardView{Card: c, Stage: stats.StageOf(c)}
}

type reviewResponse struct {
	Review       domain.ReviewState `json:"review"`
	Interval     int                `json:"interval"`
	NextReviewAt time.Time          `json:"nextReviewAt"`
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// requireUser writes a 401 and returns false when the request carries no user.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return "", false
	}
	return userID, true
}

// ownedCard loads a card by id and checks it belongs to userID.
func (s *Server) ownedCard(r *http.Request, userID, cardID string) (*domain.Card, error) {
	card, err := s.store.GetCard(r.Context(), cardID)
	if err != nil {
		return nil, err
	}
	if card.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return card, nil
}

func (s *Server) handleGetDueCards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		query := r.URL.Query()
		modeParam := query.Get("mode")
		if modeParam == "" {
			modeParam = string(domain.ModeStudy)
		}
		mode, err := domain.ParseMode(modeParam)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		filters := domain.Filters{
			Topic:  strings.TrimSpace(query.Get("topic")),
			Source: strings.TrimSpace(query.Get("source")),
		}
		if v := query.Get("excludeToEdit"); v != "" {
			exclude, err := strconv.ParseBool(v)
			if err != nil {
				s.writeError(w, r, fmt.Errorf("%w: excludeToEdit must be a boolean", domain.ErrInvalidInput))
				return
			}
			filters.ExcludeToEdit = exclude
		}

		cards, err := s.scheduler.SelectCards(r.Context(), userID, mode, filters)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if cards == nil {
			cards = []domain.Card{}
		}
		writeJSON(w, http.StatusOK, cards)
	}
}

func (s *Server) handlePostReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req reviewRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		result, err := s.scheduler.SubmitReview(r.Context(), userID, r.PathValue("id"), *req.Quality)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reviewResponse{
			Review:       result.Review,
			Interval:     result.Interval,
			NextReviewAt: result.Review.NextReviewAt,
		})
	}
}

func (s *Server) handleGetReviews() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		card, err := s.ownedCard(r, userID, r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		logs, err := s.store.ListReviewLogs(r.Context(), card.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if logs == nil {
			logs = []domain.ReviewLog{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func (s *Server) handlePutQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req queueRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		card, err := s.scheduler.SetQueued(r.Context(), userID, r.PathValue("id"), *req.InQueue)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
	}
}

func (s *Server) handleGetStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		cards, err := s.store.ListUserCards(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats.Summarize(cards, s.now()))
	}
}

func (s *Server) handleListCards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		cards, err := s.store.ListUserCards(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		views := make([]cardView, 0, len(cards))
		for _, c := range cards {
			views = append(views, viewOf(c))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func (s *Server) handleCreateCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req createCardRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			s.writeError(w, r, fmt.Errorf("%w: content must not be blank", domain.ErrInvalidInput))
			return
		}
		priority, err := domain.ParsePriority(req.Priority)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		id, err := s.newID()
		if err != nil {
			s.writeError(w, r, fmt.Errorf("generating card id: %w", err))
			return
		}

		now := s.now()
		card := domain.Card{
			ID:        id,
			UserID:    userID,
			Content:   req.Content,
			Note:      req.Note,
			Source:    req.Source,
			Topics:    cleanTopics(req.Topics),
			Priority:  priority,
			ToEdit:    req.ToEdit,
			InQueue:   req.InQueue == nil || *req.InQueue,
			CreatedAt: now,
		}
		card.ContentHash = knol.Hash(card)
		if card.InQueue {
			rs := domain.NewReviewState(now)
			card.Review = &rs
		}

		if err := s.store.InsertCard(r.Context(), &card); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("card created", "user", userID, "card", card.ID, "in_queue", card.InQueue)
		writeJSON(w, http.StatusCreated, card)
	}
}

func (s *Server) handleGetCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		card, err := s.ownedCard(r, userID, r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(*card))
	}
}

func (s *Server) handleUpdateCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		card, err := s.ownedCard(r, userID, r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req updateCardRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		if req.Content != nil {
			if strings.TrimSpace(*req.Content) == "" {
				s.writeError(w, r, fmt.Errorf("%w: content must not be blank", domain.ErrInvalidInput))
				return
			}
			card.Content = *req.Content
		}
		if req.Note != nil {
			card.Note = *req.Note
		}
		if req.Source != nil {
			card.Source = *req.Source
		}
		if req.Topics != nil {
			card.Topics = cleanTopics(req.Topics)
		}
		if req.Priority != nil {
			priority, err := domain.ParsePriority(*req.Priority)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			card.Priority = priority
		}
		if req.ToEdit != nil {
			card.ToEdit = *req.ToEdit
		}
		card.ContentHash = knol.Hash(*card)

		if err := s.store.UpdateCard(r.Context(), card); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
	}
}

func (s *Server) handleDeleteCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		card, err := s.ownedCard(r, userID, r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if err := s.store.DeleteCard(r.Context(), card.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Deleted concurrently; the outcome is the same.
				w.WriteHeader(http.StatusNoContent)
				return
			}
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("card deleted", "user", userID, "card", card.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// cleanTopics trims topics and drops blanks and duplicates, keeping order.
func cleanTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
