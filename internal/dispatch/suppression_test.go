package dispatch

import (
	"context"
	"testing"

	"github.com/mailhop/mailhop/internal/store"
)

func setupSuppressions(t *testing.T) *SuppressionStore {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewSuppressionStore(db.DB)
}

func TestSuppressionAddRemove(t *testing.T) {
	s := setupSuppressions(t)
	ctx := context.Background()

	if err := s.Add(ctx, "Alice@Example.org", "hard bounce"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Lookup is case-insensitive
	_, suppressed, err := s.Filter(ctx, []string{"alice@example.org"})
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if len(suppressed) != 1 {
		t.Fatal("address not suppressed after Add")
	}

	if err := s.Remove(ctx, "alice@example.org"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	deliverable, suppressed, err := s.Filter(ctx, []string{"alice@example.org"})
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if len(suppressed) != 0 || len(deliverable) != 1 {
		t.Error("address still suppressed after Remove")
	}
}

func TestSuppressionReAddUpdatesReason(t *testing.T) {
	s := setupSuppressions(t)
	ctx := context.Background()

	if err := s.Add(ctx, "a@example.org", "bounce"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add(ctx, "a@example.org", "complaint"); err != nil {
		t.Fatalf("re-Add() error = %v", err)
	}

	list, err := s.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(list))
	}
	if list[0].Reason != "complaint" {
		t.Errorf("Reason = %q, want %q", list[0].Reason, "complaint")
	}
}

func TestSuppressionRejectsEmptyAddress(t *testing.T) {
	s := setupSuppressions(t)
	if err := s.Add(context.Background(), "  ", "x"); err == nil {
		t.Error("Add() with blank address should fail")
	}
}
