// Package parser extracts cards from markdown notes.
//
// A card starts at a line beginning with "Q:" and may carry an "A:" block
// (the note) and a "C:" line of comma separated topics. Blocks run until the
// next prefix, a "---" separator or the next question.
package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/snippet/internal/domain"
)

type field int

const (
	none field = iota
	content
	note
	topics
)

var prefixes = []struct {
	prefix string
	field  field
}{
	{"Q:", content},
	{"A:", note},
	{"C:", topics},
}

// ParseFile reads a file from the given path and extracts all cards.
func ParseFile(path string) ([]domain.Card, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads from an io.Reader and extracts all cards. Only Content, Note
// and Topics are set on the returned cards.
func Parse(r io.Reader) ([]domain.Card, error) {
	var (
		cards   []domain.Card
		current domain.Card
		block   []string
		reading = none
	)

	flushBlock := func() {
		if len(block) == 0 {
			return
		}
		text := strings.TrimRight(strings.Join(block, "\n"), "\n ")
		switch reading {
		case content:
			current.Content = text
		case note:
			current.Note = text
		case topics:
			current.Topics = splitTopics(text)
		}
		block = nil
	}

	finishCard := func() {
		flushBlock()
		if strings.TrimSpace(current.Content) != "" {
			if current.Topics == nil {
				current.Topics = []string{}
			}
			cards = append(cards, current)
		}
		current = domain.Card{}
		reading = none
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "---" {
			finishCard()
			continue
		}

		f, rest, ok := cutPrefix(line)
		if !ok {
			if reading != none {
				block = append(block, line)
			}
			continue
		}

		if f == content && reading != none {
			// A new question always starts a new card.
			finishCard()
		} else {
			flushBlock()
		}
		reading = f
		block = append(block, rest)
	}

	finishCard()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

// cutPrefix reports which field line opens, with the prefix and one following
// space removed.
func cutPrefix(line string) (field, string, bool) {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.field, strings.TrimPrefix(rest, " "), true
		}
	}
	return none, "", false
}

func splitTopics(s string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, t := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
