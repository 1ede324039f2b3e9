package parser

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name           string
		input          string
		expectedCards  int
		expectedQ      string
		expectedA      string
		expectedTopics []string
	}{
		{
			name:           "Simple Q&A",
			input:          "Q: What is the capital of France?\nA: Paris",
			expectedCards:  1,
			expectedQ:      "What is the capital of France?",
			expectedA:      "Paris",
			expectedTopics: []string{},
		},
		{
			name:           "Q, A and topics",
			input:          "Q: What is 1+1?\nA: 2\nC: maths, arithmetic",
			expectedCards:  1,
			expectedQ:      "What is 1+1?",
			expectedA:      "2",
			expectedTopics: []string{"maths", "arithmetic"},
		},
		{
			name: "Multiline note",
			input: `
Q: What are the primary colors?
A: Red
Blue
Yellow
`,
			expectedCards:  1,
			expectedQ:      "What are the primary colors?",
			expectedA:      "Red\nBlue\nYellow",
			expectedTopics: []string{},
		},
		{
			name: "Two cards",
			input: `
Q: First question
A: First answer

Q: Second question
A: Second answer
`,
			expectedCards: 2,
		},
		{
			name:          "Separator ends a card",
			input:         "Q: One\n---\nstray text\nQ: Two",
			expectedCards: 2,
		},
		{
			name:          "No cards, just text",
			input:         "This is a file with no questions.",
			expectedCards: 0,
		},
		{
			name:          "Answer without question",
			input:         "A: orphan\nC: nothing",
			expectedCards: 0,
		},
		{
			name:           "Prefixes with no space",
			input:          "Q:Question\nA:Answer\nC:go,,go , sql",
			expectedCards:  1,
			expectedQ:      "Question",
			expectedA:      "Answer",
			expectedTopics: []string{"go", "sql"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cards, err := Parse(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("Parse() returned an unexpected error: %v", err)
			}

			if len(cards) != tc.expectedCards {
				t.Fatalf("Expected %d cards, but got %d", tc.expectedCards, len(cards))
			}

			if tc.expectedCards == 1 {
				card := cards[0]
				if card.Content != tc.expectedQ {
					t.Errorf("Expected Content to be '%s', but got '%s'", tc.expectedQ, card.Content)
				}
				if card.Note != tc.expectedA {
					t.Errorf("Expected Note to be '%s', but got '%s'", tc.expectedA, card.Note)
				}
				if !reflect.DeepEqual(card.Topics, tc.expectedTopics) {
					t.Errorf("Expected Topics to be %v, but got %v", tc.expectedTopics, card.Topics)
				}
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\n\nQ: Ping?\nA: Pong\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() returned an unexpected error: %v", err)
	}

	cards, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() returned an unexpected error: %v", err)
	}
	if len(cards) != 1 || cards[0].Content != "Ping?" {
		t.Errorf("Unexpected cards: %+v", cards)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
