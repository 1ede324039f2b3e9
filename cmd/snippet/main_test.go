package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conorfennell/snippet/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestRunToken(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"token", "--user", "alice", "--auth.secret", testSecret}, &out)
	if err != nil {
		t.Fatalf("run() returned an unexpected error: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Errorf("Expected a three-part JWT, got %q", out.String())
	}
}

func TestRunErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{name: "No command", args: nil},
		{name: "Unknown command", args: []string{"frobnicate"}},
		{name: "Token without secret", args: []string{"token", "--user", "alice"}},
		{name: "Token without user", args: []string{"token", "--auth.secret", testSecret}},
		{name: "Unknown flag", args: []string{"serve", "--nope"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := run(tc.args, &bytes.Buffer{}); err == nil {
				t.Error("Expected an error, got nil")
			}
		})
	}
}

func TestRunImportRequiresUserAndSource(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "snippet.db")
	err := run([]string{"import", "--db.dsn", dsn, "--source", t.TempDir()}, &bytes.Buffer{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestRunImport(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(t.TempDir(), "snippet.db")

	var out bytes.Buffer
	err := run([]string{"import", "--db.dsn", dsn, "--user", "alice", "--source", dir}, &out)
	if err != nil {
		t.Fatalf("run() returned an unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "Found 0 cards in 0 files") {
		t.Errorf("Unexpected report: %q", out.String())
	}
}
