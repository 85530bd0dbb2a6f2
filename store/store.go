// Package store persists the worker's transfer ledger, the job currently
// being run, and the journal of checkpoints shipped for each job.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrTransferNotFound is returned when a transfer is not found in the state store.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrShippedNotFound is returned when no shipment is journaled for a key.
	ErrShippedNotFound = errors.New("shipped checkpoint not found")
)

var (
	transfersBucket = []byte("transfers")
	shippedBucket   = []byte("shipped")
	jobsBucket      = []byte("jobs")
)

// keySep separates the job id from the rest of a key so a job's records can
// be scanned by prefix.
const keySep = "\x00"

// TransferState represents the current state of a file transfer.
type TransferState string

const (
	StatePending    TransferState = "Pending"
	StateInProgress TransferState = "InProgress"
	StateCompleted  TransferState = "Completed"
	StateFailed     TransferState = "Failed"
)

// TransferRecord represents the state of a transfer in the store.
type TransferRecord struct {
	ID               string        `json:"id"`
	JobID            string        `json:"job_id"`
	Direction        string        `json:"direction"`
	Bucket           string        `json:"bucket"`
	Key              string        `json:"key"`
	LocalPath        string        `json:"local_path"`
	State            TransferState `json:"state"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TotalBytes       int64         `json:"total_bytes"`
	Parts            int           `json:"parts,omitempty"`
	CRC64            uint64        `json:"crc64,omitempty"`
	Error            string        `json:"error,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// JobRecord marks a job as running on this worker. It is written when the
// job starts and removed when it ends, so a record found at startup belongs
// to a run that died mid-job.
type JobRecord struct {
	ID               string    `json:"id"`
	CheckpointBucket string    `json:"checkpoint_bucket"`
	CheckpointPrefix string    `json:"checkpoint_prefix"`
	StartedAt        time.Time `json:"started_at"`
}

// ShippedRecord describes a checkpoint archive uploaded for a job.
type ShippedRecord struct {
	JobID     string    `json:"job_id"`
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	CRC64     uint64    `json:"crc64"`
	ShippedAt time.Time `json:"shipped_at"`
}

// Store defines the interface for tracking transfers and shipped checkpoints.
type Store interface {
	SaveTransfer(rec *TransferRecord) error
	GetTransfer(jobID, id string) (*TransferRecord, error)
	ListTransfers(jobID string) ([]*TransferRecord, error)

	BeginJob(rec *JobRecord) error
	ListJobs() ([]*JobRecord, error)

	RecordShipped(rec *ShippedRecord) error
	GetShipped(jobID, key string) (*ShippedRecord, error)

	// ReleaseJob removes the job record and transfers of jobID but keeps its
	// shipped journal, so a retry of the job can verify what it resumes from.
	ReleaseJob(jobID string) error
	// PruneJob removes every record belonging to jobID.
	PruneJob(jobID string) error
	// PruneShipped removes journal entries shipped before the given time and
	// returns how many were removed.
	PruneShipped(before time.Time) (int, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{transfersBucket, shippedBucket, jobsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func recordKey(jobID, id string) []byte {
	return []byte(jobID + keySep + id)
}

func jobPrefix(jobID string) []byte {
	return []byte(jobID + keySep)
}

// SaveTransfer saves a transfer to the state store.
func (s *BoltStore) SaveTransfer(rec *TransferRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)

		rec.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal transfer: %w", err)
		}

		if err := b.Put(recordKey(rec.JobID, rec.ID), data); err != nil {
			return fmt.Errorf("failed to put transfer: %w", err)
		}
		return nil
	})
}

// GetTransfer retrieves a transfer from the state store.
func (s *BoltStore) GetTransfer(jobID, id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(transfersBucket).Get(recordKey(jobID, id))
		if data == nil {
			return ErrTransferNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTransfers returns every transfer recorded for jobID in key order.
func (s *BoltStore) ListTransfers(jobID string) ([]*TransferRecord, error) {
	var out []*TransferRecord
	prefix := jobPrefix(jobID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transfersBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal transfer %q: %w", k, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// BeginJob records rec as the job this worker is running.
func (s *BoltStore) BeginJob(rec *JobRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).Put([]byte(rec.ID), data)
	})
}

// ListJobs returns every job record, ordered by id.
func (s *BoltStore) ListJobs() ([]*JobRecord, error) {
	var out []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal job %q: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// RecordShipped journals a shipped checkpoint under its job and key.
func (s *BoltStore) RecordShipped(rec *ShippedRecord) error {
	if rec.ShippedAt.IsZero() {
		rec.ShippedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal shipped checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(shippedBucket).Put(recordKey(rec.JobID, rec.Key), data); err != nil {
			return fmt.Errorf("failed to record shipped checkpoint: %w", err)
		}
		return nil
	})
}

// GetShipped returns the journal entry for key, or ErrShippedNotFound.
func (s *BoltStore) GetShipped(jobID, key string) (*ShippedRecord, error) {
	var rec ShippedRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(shippedBucket).Get(recordKey(jobID, key))
		if data == nil {
			return ErrShippedNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal shipped checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReleaseJob removes the job record and transfer records for jobID.
func (s *BoltStore) ReleaseJob(jobID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := deletePrefix(tx.Bucket(transfersBucket), jobPrefix(jobID)); err != nil {
			return err
		}
		return tx.Bucket(jobsBucket).Delete([]byte(jobID))
	})
}

// PruneJob removes all records for jobID.
func (s *BoltStore) PruneJob(jobID string) error {
	prefix := jobPrefix(jobID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{transfersBucket, shippedBucket} {
			if err := deletePrefix(tx.Bucket(name), prefix); err != nil {
				return err
			}
		}
		return tx.Bucket(jobsBucket).Delete([]byte(jobID))
	})
}

// PruneShipped removes journal entries older than before.
func (s *BoltStore) PruneShipped(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(shippedBucket)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec ShippedRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.ShippedAt.Before(before) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to prune %q: %w", k, err)
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("failed to prune %q: %w", k, err)
		}
	}
	return nil
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
