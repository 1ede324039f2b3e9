// Package pgstore keeps cards and review state in PostgreSQL through gorm. It
// offers the same methods as storage.DB.
//
// The store tests need a disposable database: they run only when
// SNIPPET_TEST_POSTGRES_DSN is set and truncate every table first. Row
// conversion is tested without a database.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/conorfennell/snippet/internal/domain"
)

type cardRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"not null;size:255;index:idx_cards_user_hash"`
	Content     string `gorm:"not null"`
	Note        string `gorm:"not null;default:''"`
	Source      string `gorm:"not null;default:'';size:255"`
	Priority    string `gorm:"not null;size:16"`
	ToEdit      bool   `gorm:"not null;default:false"`
	InQueue     bool   `gorm:"not null;default:false"`
	ContentHash string `gorm:"not null;size:64;index:idx_cards_user_hash"`
	CreatedAt   time.Time
}

func (cardRow) TableName() string { return "cards" }

type topicRow struct {
	CardID string `gorm:"primaryKey;size:64"`
	Topic  string `gorm:"primaryKey;size:255;index"`
}

func (topicRow) TableName() string { return "card_topics" }

type reviewStateRow struct {
	CardID         string     `gorm:"primaryKey;size:64"`
	EaseFactor     float64    `gorm:"not null"`
	IntervalDays   int        `gorm:"not null"`
	Repetitions    int        `gorm:"not null"`
	NextReviewAt   time.Time  `gorm:"not null;index"`
	LastReviewedAt *time.Time `gorm:"default:null"`
	Version        int        `gorm:"not null;default:0"`
}

func (reviewStateRow) TableName() string { return "review_states" }

type reviewLogRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	CardID       string    `gorm:"not null;size:64;index"`
	UserID       string    `gorm:"not null;size:255"`
	Quality      float64   `gorm:"not null"`
	EaseFactor   float64   `gorm:"not null"`
	IntervalDays int       `gorm:"not null"`
	Repetitions  int       `gorm:"not null"`
	ReviewedAt   time.Time `gorm:"not null"`
}

func (reviewLogRow) TableName() string { return "review_logs" }

// Store is a PostgreSQL backed card store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := db.AutoMigrate(&cardRow{}, &topicRow{}, &reviewStateRow{}, &reviewLogRow{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertCard inserts a new card, its topics and, for a queued card, its review
// state.
func (s *Store) InsertCard(ctx context.Context, card *domain.Card) error {
	if card.InQueue && card.Review == nil {
		return fmt.Errorf("queued card %s has no review state", card.ID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toCardRow(card)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert card %s: %w", card.ID, err)
		}
		if err := replaceTopics(tx, card.ID, card.Topics); err != nil {
			return err
		}
		if card.InQueue {
			rs := toReviewStateRow(card.ID, *card.Review)
			if err := tx.Create(&rs).Error; err != nil {
				return fmt.Errorf("failed to insert review state for card %s: %w", card.ID, err)
			}
		}
		return nil
	})
}

// GetCard retrieves a card, its topics and its review state by id.
func (s *Store) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	var row cardRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find card %s: %w", id, err)
	}

	cards, err := s.hydrate(ctx, []cardRow{row})
	if err != nil {
		return nil, err
	}
	return &cards[0], nil
}

// FindCardByHash returns the user's card with the given content hash, or
// domain.ErrNotFound.
func (s *Store) FindCardByHash(ctx context.Context, userID, hash string) (*domain.Card, error) {
	var row cardRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND content_hash = ?", userID, hash).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("card with hash %s: %w", hash, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find card by hash %s: %w", hash, err)
	}

	cards, err := s.hydrate(ctx, []cardRow{row})
	if err != nil {
		return nil, err
	}
	return &cards[0], nil
}

// UpdateCard replaces a card's editable fields. Queue membership and review
// state are left alone.
func (s *Store) UpdateCard(ctx context.Context, card *domain.Card) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&cardRow{}).Where("id = ?", card.ID).Updates(map[string]any{
			"content":      card.Content,
			"note":         card.Note,
			"source":       card.Source,
			"priority":     string(card.Priority),
			"to_edit":      card.ToEdit,
			"content_hash": card.ContentHash,
		})
		if res.Error != nil {
			return fmt.Errorf("failed to update card %s: %w", card.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("card %s: %w", card.ID, domain.ErrNotFound)
		}
		return replaceTopics(tx, card.ID, card.Topics)
	})
}

// DeleteCard removes a card together with its topics, review state and logs.
func (s *Store) DeleteCard(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&topicRow{}, &reviewStateRow{}, &reviewLogRow{}} {
			if err := tx.Where("card_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to delete children of card %s: %w", id, err)
			}
		}
		res := tx.Where("id = ?", id).Delete(&cardRow{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete card with id %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

// SetQueued moves a card into or out of the review queue. Entering creates a
// default review state due at now; leaving deletes it. Setting the current
// value is a no-op.
func (s *Store) SetQueued(ctx context.Context, id string, inQueue bool, now time.Time) (*domain.Card, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row cardRow
		if err := tx.Select("id", "in_queue").Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to read queue flag for card %s: %w", id, err)
		}
		if row.InQueue == inQueue {
			return nil
		}

		if err := tx.Model(&cardRow{}).Where("id = ?", id).Update("in_queue", inQueue).Error; err != nil {
			return fmt.Errorf("failed to set queue flag for card %s: %w", id, err)
		}
		if !inQueue {
			if err := tx.Where("card_id = ?", id).Delete(&reviewStateRow{}).Error; err != nil {
				return fmt.Errorf("failed to delete review state for card %s: %w", id, err)
			}
			return nil
		}
		rs := toReviewStateRow(id, domain.NewReviewState(now))
		if err := tx.Create(&rs).Error; err != nil {
			return fmt.Errorf("failed to insert review state for card %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCard(ctx, id)
}

// ListCards evaluates a due-set query. Only queued cards owned by q.UserID are
// returned, ordered by next review date, then creation time, then id.
func (s *Store) ListCards(ctx context.Context, q domain.CardQuery) ([]domain.Card, error) {
	tx := s.db.WithContext(ctx).
		Table("cards AS c").
		Select("c.*").
		Joins("JOIN review_states r ON r.card_id = c.id").
		Where("c.user_id = ? AND c.in_queue = ?", q.UserID, true)

	if q.DueBy != nil {
		tx = tx.Where("r.next_review_at <= ?", q.DueBy.UTC())
	}
	if q.Filters.ExcludeToEdit {
		tx = tx.Where("c.to_edit = ?", false)
	}
	if q.Filters.Source != "" {
		tx = tx.Where("c.source = ?", q.Filters.Source)
	}
	if q.Filters.Topic != "" {
		tx = tx.Where("EXISTS (SELECT 1 FROM card_topics t WHERE t.card_id = c.id AND t.topic = ?)", q.Filters.Topic)
	}

	var rows []cardRow
	if err := tx.Order("r.next_review_at, c.created_at, c.id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list cards for user %s: %w", q.UserID, err)
	}
	return s.hydrate(ctx, rows)
}

// ListUserCards returns every card the user owns, queued or not, newest first.
func (s *Store) ListUserCards(ctx context.Context, userID string) ([]domain.Card, error) {
	var rows []cardRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cards for user %s: %w", userID, err)
	}
	return s.hydrate(ctx, rows)
}

// RecordReview stores a new review state and its log entry, provided the
// state is still at expectedVersion. It returns domain.ErrNotFound when the
// card has no review state and domain.ErrConflict when the version moved on.
func (s *Store) RecordReview(ctx context.Context, cardID string, expectedVersion int, state domain.ReviewState, log domain.ReviewLog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&reviewStateRow{}).
			Where("card_id = ? AND version = ?", cardID, expectedVersion).
			Updates(map[string]any{
				"ease_factor":      state.EaseFactor,
				"interval_days":    state.Interval,
				"repetitions":      state.Repetitions,
				"next_review_at":   state.NextReviewAt.UTC(),
				"last_reviewed_at": utcPtr(state.LastReviewedAt),
				"version":          gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update review state for card %s: %w", cardID, res.Error)
		}

		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&reviewStateRow{}).Where("card_id = ?", cardID).Count(&n).Error; err != nil {
				return fmt.Errorf("failed to check review state for card %s: %w", cardID, err)
			}
			if n == 0 {
				return fmt.Errorf("review state for card %s: %w", cardID, domain.ErrNotFound)
			}
			return fmt.Errorf("review state for card %s is past version %d: %w", cardID, expectedVersion, domain.ErrConflict)
		}

		entry := reviewLogRow{
			ID:           log.ID,
			CardID:       log.CardID,
			UserID:       log.UserID,
			Quality:      log.Quality,
			EaseFactor:   log.EaseFactor,
			IntervalDays: log.Interval,
			Repetitions:  log.Repetitions,
			ReviewedAt:   log.ReviewedAt.UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to insert review log for card %s: %w", cardID, err)
		}
		return nil
	})
}

// ListReviewLogs returns a card's review history, oldest first.
func (s *Store) ListReviewLogs(ctx context.Context, cardID string) ([]domain.ReviewLog, error) {
	var rows []reviewLogRow
	err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("reviewed_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list review logs for card %s: %w", cardID, err)
	}

	logs := make([]domain.ReviewLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, domain.ReviewLog{
			ID:          r.ID,
			CardID:      r.CardID,
			UserID:      r.UserID,
			Quality:     r.Quality,
			EaseFactor:  r.EaseFactor,
			Interval:    r.IntervalDays,
			Repetitions: r.Repetitions,
			ReviewedAt:  r.ReviewedAt.UTC(),
		})
	}
	return logs, nil
}

// hydrate attaches topics and review states to rows, keeping their order.
func (s *Store) hydrate(ctx context.Context, rows []cardRow) ([]domain.Card, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	var topics []topicRow
	if err := s.db.WithContext(ctx).Where("card_id IN ?", ids).Order("card_id, topic").Find(&topics).Error; err != nil {
		return nil, fmt.Errorf("failed to load topics: %w", err)
	}
	topicsByCard := make(map[string][]string, len(rows))
	for _, t := range topics {
		topicsByCard[t.CardID] = append(topicsByCard[t.CardID], t.Topic)
	}

	var states []reviewStateRow
	if err := s.db.WithContext(ctx).Where("card_id IN ?", ids).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to load review states: %w", err)
	}
	stateByCard := make(map[string]reviewStateRow, len(states))
	for _, st := range states {
		stateByCard[st.CardID] = st
	}

	cards := make([]domain.Card, len(rows))
	for i, r := range rows {
		c := domain.Card{
			ID:          r.ID,
			UserID:      r.UserID,
			Content:     r.Content,
			Note:        r.Note,
			Source:      r.Source,
			Topics:      topicsByCard[r.ID],
			Priority:    domain.Priority(r.Priority),
			ToEdit:      r.ToEdit,
			InQueue:     r.InQueue,
			ContentHash: r.ContentHash,
			CreatedAt:   r.CreatedAt.UTC(),
		}
		if c.Topics == nil {
			c.Topics = []string{}
		}
		if st, ok := stateByCard[r.ID]; ok && r.InQueue {
			c.Review = &domain.ReviewState{
				EaseFactor:     st.EaseFactor,
				Interval:       st.IntervalDays,
				Repetitions:    st.Repetitions,
				NextReviewAt:   st.NextReviewAt.UTC(),
				LastReviewedAt: utcPtr(st.LastReviewedAt),
				Version:        st.Version,
			}
		}
		cards[i] = c
	}
	return cards, nil
}

func replaceTopics(tx *gorm.DB, cardID string, topics []string) error {
	if err := tx.Where("card_id = ?", cardID).Delete(&topicRow{}).Error; err != nil {
		return fmt.Errorf("failed to clear topics for card %s: %w", cardID, err)
	}
	if len(topics) == 0 {
		return nil
	}

	rows := make([]topicRow, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		if seen[t] {
			continue
		}
		seen[t] = true
		rows = append(rows, topicRow{CardID: cardID, Topic: t})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to insert topics for card %s: %w", cardID, err)
	}
	return nil
}

func toCardRow(c *domain.Card) cardRow {
	return cardRow{
		ID:          c.ID,
		UserID:      c.UserID,
		Content:     c.Content,
		Note:        c.Note,
		Source:      c.Source,
		Priority:    string(c.Priority),
		ToEdit:      c.ToEdit,
		InQueue:     c.InQueue,
		ContentHash: c.ContentHash,
		CreatedAt:   c.CreatedAt.UTC(),
	}
}

func toReviewStateRow(cardID string, rs domain.ReviewState) reviewStateRow {
	return reviewStateRow{
		CardID:         cardID,
		EaseFactor:     rs.EaseFactor,
		IntervalDays:   rs.Interval,
		Repetitions:    rs.Repetitions,
		NextReviewAt:   rs.NextReviewAt.UTC(),
		LastReviewedAt: utcPtr(rs.LastReviewedAt),
		Version:        rs.Version,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
