package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"github.com/conorfennell/snippet/internal/domain"
	"github.com/conorfennell/snippet/internal/scheduler"
)

// CardStore is the card persistence the HTTP handlers use directly.
type CardStore interface {
	InsertCard(ctx context.Context, card *domain.Card) error
	GetCard(ctx context.Context, id string) (*domain.Card, error)
	UpdateCard(ctx context.Context, card *domain.Card) error
	DeleteCard(ctx context.Context, id string) error
	ListUserCards(ctx context.Context, userID string) ([]domain.Card, error)
	ListReviewLogs(ctx context.Context, cardID string) ([]domain.ReviewLog, error)
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	store     CardStore
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	validate  *validator.Validate
	router    *http.ServeMux
	handler   http.Handler
	now       func() time.Time
	newID     func() (string, error)
}

// Options configures the middleware around the API.
type Options struct {
	// Authenticate wraps every /api route. It must put the caller's id where
	// auth.UserID can find it.
	Authenticate   func(http.Handler) http.Handler
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewServer creates and configures a new server.
func NewServer(store CardStore, sched *scheduler.Scheduler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:     store,
		scheduler: sched,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		router:    http.NewServeMux(),
		now:       time.Now,
		newID:     newCardID,
	}
	s.routes(opts.Authenticate)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin"},
		MaxAge:         86400,
	})
	s.handler = corsHandler.Handler(s.logRequests(s.router))
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes(authenticate func(http.Handler) http.Handler) {
	api := http.NewServeMux()

	// Review
	api.HandleFunc("GET /api/review", s.handleGetDueCards())
	api.HandleFunc("POST /api/cards/{id}/reviews", s.handlePostReview())
	api.HandleFunc("GET /api/cards/{id}/reviews", s.handleGetReviews())
	api.HandleFunc("PUT /api/cards/{id}/queue", s.handlePutQueue())
	api.HandleFunc("GET /api/stats", s.handleGetStats())

	// Cards
	api.HandleFunc("GET /api/cards", s.handleListCards())
	api.HandleFunc("POST /api/cards", s.handleCreateCard())
	api.HandleFunc("GET /api/cards/{id}", s.handleGetCard())
	api.HandleFunc("PATCH /api/cards/{id}", s.handleUpdateCard())
	api.HandleFunc("DELETE /api/cards/{id}", s.handleDeleteCard())

	var protected http.Handler = api
	if authenticate != nil {
		protected = authenticate(api)
	}

	s.router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Handle("/api/", protected)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the domain error kinds onto status codes. Store failures
// are logged and reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "card was reviewed concurrently, reload and retry"})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
