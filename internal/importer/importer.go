// Package importer turns directories of markdown notes, local or cloned from
// git, into cards.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/conorfennell/snippet/internal/domain"
	"github.com/conorfennell/snippet/internal/gitsource"
	"github.com/conorfennell/snippet/internal/knol"
	"github.com/conorfennell/snippet/internal/parser"
)

// Store is the persistence the importer needs.
type Store interface {
	FindCardByHash(ctx context.Context, userID, hash string) (*domain.Card, error)
	InsertCard(ctx context.Context, card *domain.Card) error
}

// Importer reconciles a markdown source into one user's cards.
type Importer struct {
	store    Store
	logger   *slog.Logger
	reposDir string
	enqueue  bool
	now      func() time.Time
	newID    func() (string, error)
	sync     func(ctx context.Context, logger *slog.Logger, repoURL, localPath string) error
}

// New returns an Importer. Git sources are cloned under reposDir. When
// enqueue is set, new cards enter the review queue straight away.
func New(store Store, logger *slog.Logger, reposDir string, enqueue bool) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:    store,
		logger:   logger,
		reposDir: reposDir,
		enqueue:  enqueue,
		now:      time.Now,
		newID:    func() (string, error) { return gonanoid.New() },
		sync:     gitsource.Sync,
	}
}

// Report summarises one import run.
type Report struct {
	Source   string
	Files    int
	Parsed   int
	Inserted int
	Skipped  int
	Errors   []error
}

// Import parses every .md file under source and inserts the cards userID does
// not already have. A card is a duplicate when its content hash matches one of
// the user's existing cards. Per-file and per-card failures are collected in
// the report; only failures that stop the whole run are returned.
func (im *Importer) Import(ctx context.Context, userID, source string) (*Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", domain.ErrInvalidInput)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: missing source", domain.ErrInvalidInput)
	}

	dir := source
	if gitsource.IsRemote(source) {
		localPath, err := gitsource.LocalPath(im.reposDir, source)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
		if err := im.sync(ctx, im.logger, source, localPath); err != nil {
			return nil, err
		}
		dir = localPath
	}

	report := &Report{Source: source}
	im.logger.Info("importing source", "user", userID, "source", source, "path", dir)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		report.Files++
		cards, parseErr := parser.ParseFile(path)
		if parseErr != nil {
			report.Errors = append(report.Errors, fmt.Errorf("parsing %s: %w", path, parseErr))
			return nil
		}
		for _, card := range cards {
			report.Parsed++
			inserted, err := im.importCard(ctx, userID, source, card)
			switch {
			case err != nil:
				report.Errors = append(report.Errors, fmt.Errorf("%s: %w", path, err))
			case inserted:
				report.Inserted++
			default:
				report.Skipped++
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("error walking directory %s: %w", dir, walkErr)
	}

	im.logger.Info("import complete",
		"user", userID,
		"source", source,
		"files", report.Files,
		"parsed", report.Parsed,
		"inserted", report.Inserted,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
	)
	return report, nil
}

// importCard inserts card for userID unless the user already has it.
func (im *Importer) importCard(ctx context.Context, userID, source string, card domain.Card) (bool, error) {
	card.ContentHash = knol.Hash(card)

	_, err := im.store.FindCardByHash(ctx, userID, card.ContentHash)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("db check for %s: %w", card.ContentHash, err)
	}

	id, err := im.newID()
	if err != nil {
		return false, fmt.Errorf("generating card id: %w", err)
	}

	now := im.now()
	card.ID = id
	card.UserID = userID
	card.Source = source
	card.Priority = domain.PriorityMedium
	card.InQueue = im.enqueue
	card.CreatedAt = now
	if card.InQueue {
		rs := domain.NewReviewState(now)
		card.Review = &rs
	}

	if err := im.store.InsertCard(ctx, &card); err != nil {
		return false, fmt.Errorf("db insert for %s: %w", card.ContentHash, err)
	}
	im.logger.Debug("card imported", "user", userID, "card", card.ID, "hash", card.ContentHash)
	return true, nil
}
