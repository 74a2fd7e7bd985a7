package credential

import (
	"errors"
	"testing"
)

func TestStoreFromEnvironment(t *testing.T) {
	store := NewStore("  gsk-env  ")
	key, ok := store.APIKey()
	if !ok || key != "gsk-env" {
		t.Fatalf("APIKey() = %q, %v", key, ok)
	}
	if store.Source() != "environment" {
		t.Fatalf("Source() = %q", store.Source())
	}
	if err := store.Set("other"); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("Set() error = %v, want ErrAlreadySet", err)
	}
}

func TestStoreSetOnce(t *testing.T) {
	store := NewStore("")
	if _, ok := store.APIKey(); ok {
		t.Fatal("empty store reports a key")
	}
	if err := store.Set("   "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Set(blank) error = %v, want ErrEmpty", err)
	}
	if err := store.Set("gsk-typed"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	key, ok := store.APIKey()
	if !ok || key != "gsk-typed" || store.Source() != "interactive" {
		t.Fatalf("APIKey() = %q, %v source=%q", key, ok, store.Source())
	}
	if err := store.Set("gsk-second"); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("second Set() error = %v", err)
	}
}
