package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conorfennell/snippet/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db}, nil
}

// withPragmas makes every pooled connection enforce foreign keys and wait on
// a locked database instead of failing immediately.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

const cardColumns = `
	c.id, c.user_id, c.content, c.note, c.source, c.priority, c.to_edit, c.in_queue,
	c.content_hash, c.created_at,
	r.ease_factor, r.interval_days, r.repetitions, r.next_review_at, r.last_reviewed_at, r.version
`

// InsertCard inserts a new card and its topics. A card inserted in the queue
// gets a fresh review state due immediately.
func (db *DB) InsertCard(ctx context.Context, card *domain.Card) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert of card %s: %w", card.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (id, user_id, content, note, source, priority, to_edit, in_queue, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		card.ID,
		card.UserID,
		card.Content,
		card.Note,
		card.Source,
		string(card.Priority),
		boolToInt(card.ToEdit),
		boolToInt(card.InQueue),
		card.ContentHash,
		toMillis(card.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", card.ID, err)
	}

	if err := replaceTopics(ctx, tx, card.ID, card.Topics); err != nil {
		return err
	}

	if card.InQueue {
		if card.Review == nil {
			return fmt.Errorf("queued card %s has no review state", card.ID)
		}
		if err := insertReviewState(ctx, tx, card.ID, *card.Review); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit card %s: %w", card.ID, err)
	}
	return nil
}

// GetCard retrieves a card, its topics and its review state by id.
func (db *DB) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards c LEFT JOIN review_states r ON r.card_id = c.id
		WHERE c.id = ?
	`, id)

	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find card %s: %w", id, err)
	}

	if err := db.loadTopics(ctx, []*domain.Card{card}); err != nil {
		return nil, err
	}
	return card, nil
}

// FindCardByHash returns the user's card with the given content hash, or
// domain.ErrNotFound.
func (db *DB) FindCardByHash(ctx context.Context, userID, hash string) (*domain.Card, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id FROM cards WHERE user_id = ? AND content_hash = ? LIMIT 1
	`, userID, hash).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card with hash %s: %w", hash, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find card by hash %s: %w", hash, err)
	}
	return db.GetCard(ctx, id)
}

// UpdateCard replaces a card's editable fields. Queue membership and review
// state are not touched; use SetQueued and RecordReview for those.
func (db *DB) UpdateCard(ctx context.Context, card *domain.Card) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update of card %s: %w", card.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET content = ?, note = ?, source = ?, priority = ?, to_edit = ?, content_hash = ?
		WHERE id = ?
	`,
		card.Content,
		card.Note,
		card.Source,
		string(card.Priority),
		boolToInt(card.ToEdit),
		card.ContentHash,
		card.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", card.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("card %s: %w", card.ID, domain.ErrNotFound)
	}

	if err := replaceTopics(ctx, tx, card.ID, card.Topics); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit card %s: %w", card.ID, err)
	}
	return nil
}

// DeleteCard removes a card together with its topics, review state and logs.
func (db *DB) DeleteCard(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of card %s: %w", id, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"card_topics", "review_states", "review_logs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE card_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s for card %s: %w", table, id, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card with id %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of card %s: %w", id, err)
	}
	return nil
}

// SetQueued moves a card into or out of the review queue. Entering the queue
// creates a default review state due at now; leaving it deletes the state, so
// scheduling history is not carried across a remove/re-add cycle. Setting the
// current value is a no-op.
func (db *DB) SetQueued(ctx context.Context, id string, inQueue bool, now time.Time) (*domain.Card, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin queue change for card %s: %w", id, err)
	}
	defer tx.Rollback()

	var current bool
	err = tx.QueryRowContext(ctx, `SELECT in_queue FROM cards WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read queue flag for card %s: %w", id, err)
	}

	if current != inQueue {
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET in_queue = ? WHERE id = ?`, boolToInt(inQueue), id); err != nil {
			return nil, fmt.Errorf("failed to set queue flag for card %s: %w", id, err)
		}
		if inQueue {
			if err := insertReviewState(ctx, tx, id, domain.NewReviewState(now)); err != nil {
				return nil, err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM review_states WHERE card_id = ?`, id); err != nil {
				return nil, fmt.Errorf("failed to delete review state for card %s: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit queue change for card %s: %w", id, err)
		}
	}

	return db.GetCard(ctx, id)
}

// ListCards evaluates a due-set query. Only queued cards owned by q.UserID are
// returned, ordered by next review date, then creation time, then id.
func (db *DB) ListCards(ctx context.Context, q domain.CardQuery) ([]domain.Card, error) {
	var (
		where = []string{"c.user_id = ?", "c.in_queue = 1"}
		args  = []any{q.UserID}
	)
	if q.Filters.ExcludeToEdit {
		where = append(where, "c.to_edit = 0")
	}
	if q.Filters.Topic != "" {
		where = append(where, "EXISTS (SELECT 1 FROM card_topics t WHERE t.card_id = c.id AND t.topic = ?)")
		args = append(args, q.Filters.Topic)
	}
	if q.Filters.Source != "" {
		where = append(where, "c.source = ?")
		args = append(args, q.Filters.Source)
	}
	if q.DueBy != nil {
		where = append(where, "r.next_review_at <= ?")
		args = append(args, toMillis(*q.DueBy))
	}

	query := `
		SELECT ` + cardColumns + `
		FROM cards c JOIN review_states r ON r.card_id = c.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY r.next_review_at ASC, c.created_at ASC, c.id ASC
	`
	return db.queryCards(ctx, query, args...)
}

// ListUserCards returns every card the user owns, queued or not, newest first.
func (db *DB) ListUserCards(ctx context.Context, userID string) ([]domain.Card, error) {
	return db.queryCards(ctx, `
		SELECT `+cardColumns+`
		FROM cards c LEFT JOIN review_states r ON r.card_id = c.id
		WHERE c.user_id = ?
		ORDER BY c.created_at DESC, c.id ASC
	`, userID)
}

// RecordReview replaces a card's review state and appends a review log in one
// transaction. The write only succeeds if the stored version still equals
// expectedVersion; the stored version is then incremented.
func (db *DB) RecordReview(ctx context.Context, cardID string, expectedVersion int, state domain.ReviewState, log domain.ReviewLog) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin review of card %s: %w", cardID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE review_states
		SET ease_factor = ?, interval_days = ?, repetitions = ?, next_review_at = ?, last_reviewed_at = ?,
			version = version + 1
		WHERE card_id = ? AND version = ?
	`,
		state.EaseFactor,
		state.Interval,
		state.Repetitions,
		toMillis(state.NextReviewAt),
		nullMillis(state.LastReviewedAt),
		cardID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update review state for card %s: %w", cardID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_states WHERE card_id = ?`, cardID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check review state for card %s: %w", cardID, err)
		}
		if exists == 0 {
			return fmt.Errorf("review state for card %s: %w", cardID, domain.ErrNotFound)
		}
		return fmt.Errorf("card %s at version %d: %w", cardID, expectedVersion, domain.ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (id, card_id, user_id, quality, ease_factor, interval_days, repetitions, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID,
		log.CardID,
		log.UserID,
		log.Quality,
		log.EaseFactor,
		log.Interval,
		log.Repetitions,
		toMillis(log.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert review log for card %s: %w", cardID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review of card %s: %w", cardID, err)
	}
	return nil
}

// ListReviewLogs returns a card's review history, oldest first.
func (db *DB) ListReviewLogs(ctx context.Context, cardID string) ([]domain.ReviewLog, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, card_id, user_id, quality, ease_factor, interval_days, repetitions, reviewed_at
		FROM review_logs WHERE card_id = ?
		ORDER BY reviewed_at ASC, id ASC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to get review logs for card %s: %w", cardID, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var (
			l          domain.ReviewLog
			reviewedAt int64
		)
		if err := rows.Scan(&l.ID, &l.CardID, &l.UserID, &l.Quality, &l.EaseFactor, &l.Interval, &l.Repetitions, &reviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review log row for card %s: %w", cardID, err)
		}
		l.ReviewedAt = fromMillis(reviewedAt)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate review logs for card %s: %w", cardID, err)
	}
	return logs, nil
}

func (db *DB) queryCards(ctx context.Context, query string, args ...any) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cards: %w", err)
	}

	if err := db.loadTopics(ctx, cards); err != nil {
		return nil, err
	}

	out := make([]domain.Card, len(cards))
	for i, c := range cards {
		out[i] = *c
	}
	return out, nil
}

// topicBatchSize caps the ids per topic query below SQLite's bound parameter limit.
var topicBatchSize = 500

// loadTopics fills in Topics for the given cards, querying in batches.
func (db *DB) loadTopics(ctx context.Context, cards []*domain.Card) error {
	byID := make(map[string]*domain.Card, len(cards))
	for _, c := range cards {
		c.Topics = []string{}
		byID[c.ID] = c
	}

	for start := 0; start < len(cards); start += topicBatchSize {
		end := min(start+topicBatchSize, len(cards))
		if err := db.loadTopicBatch(ctx, byID, cards[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) loadTopicBatch(ctx context.Context, byID map[string]*domain.Card, batch []*domain.Card) error {
	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch))
	for _, c := range batch {
		placeholders = append(placeholders, "?")
		args = append(args, c.ID)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT card_id, topic FROM card_topics
		WHERE card_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY card_id, topic
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load topics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cardID, topic string
		if err := rows.Scan(&cardID, &topic); err != nil {
			return fmt.Errorf("failed to scan topic row: %w", err)
		}
		if c, ok := byID[cardID]; ok {
			c.Topics = append(c.Topics, topic)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(s rowScanner) (*domain.Card, error) {
	var (
		c          domain.Card
		priority   string
		createdAt  int64
		ease       sql.NullFloat64
		interval   sql.NullInt64
		reps       sql.NullInt64
		nextReview sql.NullInt64
		lastReview sql.NullInt64
		version    sql.NullInt64
	)
	err := s.Scan(
		&c.ID,
		&c.UserID,
		&c.Content,
		&c.Note,
		&c.Source,
		&priority,
		&c.ToEdit,
		&c.InQueue,
		&c.ContentHash,
		&createdAt,
		&ease,
		&interval,
		&reps,
		&nextReview,
		&lastReview,
		&version,
	)
	if err != nil {
		return nil, err
	}

	c.Priority = domain.Priority(priority)
	c.CreatedAt = fromMillis(createdAt)

	// A stale review row on a dequeued card is never exposed.
	if c.InQueue && ease.Valid {
		rs := domain.ReviewState{
			EaseFactor:   ease.Float64,
			Interval:     int(interval.Int64),
			Repetitions:  int(reps.Int64),
			NextReviewAt: fromMillis(nextReview.Int64),
			Version:      int(version.Int64),
		}
		if lastReview.Valid {
			t := fromMillis(lastReview.Int64)
			rs.LastReviewedAt = &t
		}
		c.Review = &rs
	}
	return &c, nil
}

func insertReviewState(ctx context.Context, tx *sql.Tx, cardID string, rs domain.ReviewState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_states (card_id, ease_factor, interval_days, repetitions, next_review_at, last_reviewed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		cardID,
		rs.EaseFactor,
		rs.Interval,
		rs.Repetitions,
		toMillis(rs.NextReviewAt),
		nullMillis(rs.LastReviewedAt),
		rs.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review state for card %s: %w", cardID, err)
	}
	return nil
}

func replaceTopics(ctx context.Context, tx *sql.Tx, cardID string, topics []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_topics WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("failed to clear topics for card %s: %w", cardID, err)
	}
	for _, topic := range topics {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO card_topics (card_id, topic) VALUES (?, ?)
		`, cardID, topic)
		if err != nil {
			return fmt.Errorf("failed to insert topic %q for card %s: %w", topic, cardID, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
