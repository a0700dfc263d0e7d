package session

import (
	"errors"
	"strings"
	"testing"
)

func TestIDGeneratorShortIDs(t *testing.T) {
	g := newIDGenerator(0)
	if g.attempts != DefaultShortIDAttempts {
		t.Fatalf("expected default attempts, got %d", g.attempts)
	}
	id, err := g.next(func(string) bool { return false })
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(id) != 8 || strings.Contains(id, "-") {
		t.Fatalf("expected 8 hex chars, got %q", id)
	}
}

func TestIDGeneratorFallsBackToLongID(t *testing.T) {
	calls := 0
	g := idGenerator{
		attempts: 3,
		short:    func() string { calls++; return "aaaaaaaa" },
		long:     func() string { return "11111111-2222-3333-4444-555555555555" },
	}
	id, err := g.next(func(id string) bool { return id == "aaaaaaaa" })
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 short attempts, got %d", calls)
	}
	if id != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestIDGeneratorExhausted(t *testing.T) {
	g := idGenerator{
		attempts: 2,
		short:    func() string { return "aaaaaaaa" },
		long:     func() string { return "aaaaaaaa" },
	}
	_, err := g.next(func(string) bool { return true })
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if !IsFatal(err) {
		t.Fatalf("duplicate id must be fatal")
	}
}
