package knol

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"

	"github.com/conorfennell/snippet/internal/domain"
)

// Normalize joins the card's content, note and topics after cleaning each part.
// Parts are trimmed and lowercased and line endings are unified. Topics are
// sorted so that tag order does not change the result.
func Normalize(card domain.Card) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return p
	}

	topics := make([]string, 0, len(card.Topics))
	for _, t := range card.Topics {
		if t = normalizePart(t); t != "" {
			topics = append(topics, t)
		}
	}
	slices.Sort(topics)

	// Newline separated so "question" and "answer" never become "questionanswer".
	return strings.Join([]string{
		normalizePart(card.Content),
		normalizePart(card.Note),
		strings.Join(topics, ","),
	}, "\n")
}

// Hash takes a card, normalizes it, and returns its SHA-256 hash as a hex string.
func Hash(card domain.Card) string {
	normalized := Normalize(card)
	hashBytes := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hashBytes)
}
