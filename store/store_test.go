package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_SaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	rec := &TransferRecord{
		ID:         "upload:ckpt/runs/checkpoint-100.zip",
		JobID:      "job-123",
		Direction:  "upload",
		Bucket:     "ckpt",
		Key:        "runs/checkpoint-100.zip",
		State:      StatePending,
		TotalBytes: 1024,
	}

	if err := store.SaveTransfer(rec); err != nil {
		t.Fatalf("Failed to save transfer: %v", err)
	}

	got, err := store.GetTransfer("job-123", rec.ID)
	if err != nil {
		t.Fatalf("Failed to get transfer: %v", err)
	}
	if got.State != StatePending || got.TotalBytes != 1024 {
		t.Errorf("Unexpected record %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be set")
	}

	rec.State = StateCompleted
	rec.BytesTransferred = 1024
	if err := store.SaveTransfer(rec); err != nil {
		t.Fatalf("Failed to update transfer: %v", err)
	}

	got, err = store.GetTransfer("job-123", rec.ID)
	if err != nil {
		t.Fatalf("Failed to get updated transfer: %v", err)
	}
	if got.State != StateCompleted || got.BytesTransferred != 1024 {
		t.Errorf("Expected completed record, got %+v", got)
	}
}

func TestBoltStore_GetTransferNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTransfer("job-123", "missing")
	if !errors.Is(err, ErrTransferNotFound) {
		t.Errorf("Expected ErrTransferNotFound, got %v", err)
	}
}

func TestBoltStore_ShippedJournal(t *testing.T) {
	store := newTestStore(t)

	rec := &ShippedRecord{JobID: "job-1", Key: "runs/job-1/checkpoint-100.zip", Path: "/output/checkpoint-100", Bytes: 42, CRC64: 0xfeed}
	if err := store.RecordShipped(rec); err != nil {
		t.Fatalf("RecordShipped failed: %v", err)
	}

	got, err := store.GetShipped("job-1", "runs/job-1/checkpoint-100.zip")
	if err != nil {
		t.Fatalf("GetShipped failed: %v", err)
	}
	if got.CRC64 != 0xfeed || got.Bytes != 42 || got.ShippedAt.IsZero() {
		t.Errorf("Unexpected record %+v", got)
	}

	if _, err := store.GetShipped("job-2", "runs/job-1/checkpoint-100.zip"); !errors.Is(err, ErrShippedNotFound) {
		t.Errorf("Expected ErrShippedNotFound for another job, got %v", err)
	}
}

func TestBoltStore_Jobs(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"job-b", "job-a"} {
		if err := store.BeginJob(&JobRecord{ID: id, CheckpointBucket: "ckpt", CheckpointPrefix: "runs/" + id + "/"}); err != nil {
			t.Fatalf("BeginJob failed: %v", err)
		}
	}
	store.SaveTransfer(&TransferRecord{ID: "t", JobID: "job-a", State: StateInProgress})
	store.RecordShipped(&ShippedRecord{JobID: "job-a", Key: "runs/job-a/checkpoint-1.zip"})

	jobs, err := store.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-a" || jobs[0].CheckpointPrefix != "runs/job-a/" || jobs[0].StartedAt.IsZero() {
		t.Fatalf("Unexpected jobs %+v", jobs)
	}

	if err := store.ReleaseJob("job-a"); err != nil {
		t.Fatalf("ReleaseJob failed: %v", err)
	}
	jobs, _ = store.ListJobs()
	if len(jobs) != 1 || jobs[0].ID != "job-b" {
		t.Errorf("Expected only job-b to remain, got %+v", jobs)
	}
	if recs, _ := store.ListTransfers("job-a"); len(recs) != 0 {
		t.Errorf("Expected released transfers to be removed, got %d", len(recs))
	}
	if _, err := store.GetShipped("job-a", "runs/job-a/checkpoint-1.zip"); err != nil {
		t.Errorf("Expected the shipped journal to survive release: %v", err)
	}
}

func TestBoltStore_PruneShipped(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	store.RecordShipped(&ShippedRecord{JobID: "old", Key: "a.zip", ShippedAt: now.Add(-48 * time.Hour)})
	store.RecordShipped(&ShippedRecord{JobID: "new", Key: "b.zip", ShippedAt: now})

	n, err := store.PruneShipped(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneShipped failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry pruned, got %d", n)
	}
	if _, err := store.GetShipped("old", "a.zip"); !errors.Is(err, ErrShippedNotFound) {
		t.Errorf("Expected old entry to be pruned, got %v", err)
	}
	if _, err := store.GetShipped("new", "b.zip"); err != nil {
		t.Errorf("Expected new entry to remain: %v", err)
	}
}

func TestBoltStore_ListAndPrune(t *testing.T) {
	store := newTestStore(t)

	for _, r := range []*TransferRecord{
		{ID: "a", JobID: "job-1"},
		{ID: "b", JobID: "job-1"},
		{ID: "c", JobID: "job-10"},
	} {
		if err := store.SaveTransfer(r); err != nil {
			t.Fatalf("SaveTransfer failed: %v", err)
		}
	}
	store.BeginJob(&JobRecord{ID: "job-1"})
	store.RecordShipped(&ShippedRecord{JobID: "job-1", Key: "checkpoint-1.zip"})

	recs, err := store.ListTransfers("job-1")
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records for job-1, got %d", len(recs))
	}

	if err := store.PruneJob("job-1"); err != nil {
		t.Fatalf("PruneJob failed: %v", err)
	}

	recs, _ = store.ListTransfers("job-1")
	if len(recs) != 0 {
		t.Errorf("Expected job-1 to be pruned, got %d records", len(recs))
	}
	recs, _ = store.ListTransfers("job-10")
	if len(recs) != 1 {
		t.Errorf("Expected job-10 to survive pruning, got %d records", len(recs))
	}
	if _, err := store.GetShipped("job-1", "checkpoint-1.zip"); !errors.Is(err, ErrShippedNotFound) {
		t.Error("Expected shipped journal to be pruned")
	}
	if jobs, _ := store.ListJobs(); len(jobs) != 0 {
		t.Errorf("Expected job record to be pruned, got %+v", jobs)
	}
}
