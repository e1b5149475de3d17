package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(filepath.Join(t.TempDir(), "material.db"))
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get("r1")
	if err != nil {
		t.Fatalf("get missing checkpoint: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil checkpoint for unknown key, got %+v", got)
	}

	cp := UploadCheckpoint{
		RecordID:         "r1",
		Drama:            "龙王归来",
		Date:             "2023-11-14",
		Account:          "acct-1",
		TotalBatches:     3,
		CompletedBatches: 1,
	}
	if err := store.Put(cp); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}

	got, err = store.Get("r1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got == nil {
		t.Fatal("expected checkpoint, got nil")
	}
	if got.Drama != cp.Drama || got.TotalBatches != 3 || got.CompletedBatches != 1 {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}

	cp.CompletedBatches = 2
	if err := store.Put(cp); err != nil {
		t.Fatalf("update checkpoint: %v", err)
	}
	got, err = store.Get("r1")
	if err != nil {
		t.Fatalf("get updated checkpoint: %v", err)
	}
	if got.CompletedBatches != 2 {
		t.Fatalf("expected completed=2 after upsert, got %d", got.CompletedBatches)
	}

	if err := store.Clear("r1"); err != nil {
		t.Fatalf("clear checkpoint: %v", err)
	}
	got, err = store.Get("r1")
	if err != nil {
		t.Fatalf("get cleared checkpoint: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after clear, got %+v", got)
	}

	if err := store.Clear("never-existed"); err != nil {
		t.Fatalf("clear of missing key should not error: %v", err)
	}
}

func TestCheckpointRejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put(UploadCheckpoint{RecordID: "", TotalBatches: 1}); err == nil {
		t.Fatal("expected error for empty record id")
	}
	if err := store.Put(UploadCheckpoint{RecordID: "r1", TotalBatches: 2, CompletedBatches: 3}); err == nil {
		t.Fatal("expected error when completed exceeds total")
	}
}
