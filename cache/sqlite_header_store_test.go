package cache

import (
	"path/filepath"
	"testing"
)

func TestSQLiteHeaderStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.db")
	store, err := OpenSQLiteHeaderStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, ok, err := store.Fetch("AAA"); err != nil || ok {
		t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	if err := store.Store("AAA", []byte("envelope-bytes")); err != nil {
		t.Fatalf("store: %v", err)
	}

	data, ok, err := store.Fetch("AAA")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != "envelope-bytes" {
		t.Errorf("unexpected data %q", data)
	}

	// Store again with the same UIDL must overwrite, not conflict.
	if err := store.Store("AAA", []byte("updated")); err != nil {
		t.Fatalf("re-store: %v", err)
	}
	data, _, _ = store.Fetch("AAA")
	if string(data) != "updated" {
		t.Errorf("expected overwrite, got %q", data)
	}

	if err := store.Delete("AAA"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Fetch("AAA"); ok {
		t.Error("expected miss after delete")
	}
}

func TestSQLiteHeaderStoreList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.db")
	store, err := OpenSQLiteHeaderStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for _, uidl := range []string{"AAA", "BBB", "CCC"} {
		if err := store.Store(uidl, []byte(uidl)); err != nil {
			t.Fatalf("store %s: %v", uidl, err)
		}
	}

	seen := make(map[string]bool)
	err = store.List(func(uidl string) error {
		seen[uidl] = true
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, uidl := range []string{"AAA", "BBB", "CCC"} {
		if !seen[uidl] {
			t.Errorf("expected %s in list", uidl)
		}
	}
}
