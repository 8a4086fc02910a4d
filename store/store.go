// Package store keeps a per-run ledger of file transfers in a bbolt file in
// the run's log directory. Each opened store writes to a fresh bucket named
// after a random run ID; nothing is ever read back across runs.
package store

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// ErrRecordNotFound is returned when a record is not in the ledger.
var ErrRecordNotFound = errors.New("transfer record not found")

// TransferState is the lifecycle state of one stored file.
type TransferState string

const (
	StatePending    TransferState = "Pending"
	StateInProgress TransferState = "InProgress"
	StateStored     TransferState = "Stored"
	StateFailed     TransferState = "Failed"
)

// TransferRecord is the ledger entry for one local file sent to the remote
// job directory.
type TransferRecord struct {
	ID               string        `json:"id"`
	LocalPath        string        `json:"local_path"`
	RemoteName       string        `json:"remote_name"`
	State            TransferState `json:"state"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TotalBytes       int64         `json:"total_bytes"`
	Checksum         string        `json:"checksum,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Store records transfer state.
type Store interface {
	SaveRecord(rec *TransferRecord) error
	GetRecord(id string) (*TransferRecord, error)
	Records() ([]*TransferRecord, error)
	Close() error
}

// BoltStore is a Store backed by bbolt.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
	runID  string
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the ledger file at path and starts a new
// run bucket in it.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to open ledger: %w", err)
	}

	runID := uuid.NewString()
	bucket := []byte("run-" + runID)

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to create run bucket: %w", err)
	}

	return &BoltStore{db: db, bucket: bucket, runID: runID}, nil
}

// RunID identifies the bucket this store writes to.
func (s *BoltStore) RunID() string { return s.runID }

// SaveRecord inserts or replaces rec.
func (s *BoltStore) SaveRecord(rec *TransferRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return xerrors.Errorf("failed to marshal record: %w", err)
		}
		if err := tx.Bucket(s.bucket).Put([]byte(rec.ID), data); err != nil {
			return xerrors.Errorf("failed to put record: %w", err)
		}
		return nil
	})
}

// GetRecord returns the record for id.
func (s *BoltStore) GetRecord(id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(id))
		if data == nil {
			return ErrRecordNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return xerrors.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Records returns every record of this run, ordered by ID.
func (s *BoltStore) Records() ([]*TransferRecord, error) {
	var out []*TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return xerrors.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
