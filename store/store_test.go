package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBoltStore_SaveAndGetRecord(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	rec := &TransferRecord{
		ID:         "/data/P12345.7",
		LocalPath:  "/data/P12345.7",
		RemoteName: "P12345.7",
		State:      StatePending,
		TotalBytes: 1024,
	}
	if err := store.SaveRecord(rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	got, err := store.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if got.RemoteName != rec.RemoteName || got.State != StatePending {
		t.Errorf("Unexpected record %+v", got)
	}

	rec.State = StateStored
	rec.BytesTransferred = 1024
	rec.Checksum = "d41d8cd98f00b204e9800998ecf8427e"
	if err := store.SaveRecord(rec); err != nil {
		t.Fatalf("Failed to update record: %v", err)
	}

	got, err = store.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("Failed to get updated record: %v", err)
	}
	if got.State != StateStored {
		t.Errorf("Expected state %s, got %s", StateStored, got.State)
	}
	if got.Checksum != rec.Checksum {
		t.Errorf("Expected checksum %s, got %s", rec.Checksum, got.Checksum)
	}

	if _, err := store.GetRecord("missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestBoltStore_RunsAreIsolated(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	first, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	if err := first.SaveRecord(&TransferRecord{ID: "a", State: StateStored}); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	second, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen BoltStore: %v", err)
	}
	defer second.Close()

	if second.RunID() == first.RunID() {
		t.Fatalf("Expected a fresh run ID")
	}
	if _, err := second.GetRecord("a"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected previous run to be invisible, got %v", err)
	}
}

func TestBoltStore_RecordsSorted(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"c", "a", "b"} {
		if err := store.SaveRecord(&TransferRecord{ID: id}); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	recs, err := store.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != "a" || recs[2].ID != "c" {
		t.Errorf("Unexpected order: %v", recs)
	}
}

func TestBoltStore_Close(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	if _, err := store.GetRecord("a"); err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
