package domain

import "errors"

// Error kinds surfaced by the scheduler and stores.
// Use errors.Is to check: errors.Is(err, domain.ErrNotFound)
var (
	ErrInvalidInput = errors.New("snippet: invalid input")
	ErrNotFound     = errors.New("snippet: not found")
	ErrForbidden    = errors.New("snippet: forbidden")
	ErrConflict     = errors.New("snippet: review state changed concurrently")
	ErrStoreFailure = errors.New("snippet: store failure")
)
