package engine

import (
	"io"
	"sync"
	"time"

	"github.com/franksops/autorec/store"
)

// CheckpointConfig defines when a TrackedWriter saves progress.
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes
	BytesInterval int64
	// TimeInterval triggers a save after this much time
	TimeInterval time.Duration
}

// DefaultCheckpointConfig saves every 64 MiB or 5 seconds.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 64 * 1024 * 1024,
	TimeInterval:  5 * time.Second,
}

// Tracker records stored files in the run ledger. A nil *Tracker is valid
// and records nothing.
type Tracker struct {
	store  store.Store
	config CheckpointConfig
}

// NewTracker creates a Tracker writing to s.
func NewTracker(s store.Store, config CheckpointConfig) *Tracker {
	return &Tracker{store: s, config: config}
}

// Begin records a pending transfer of localPath to remoteName.
func (t *Tracker) Begin(id, localPath, remoteName string, size int64) error {
	if t == nil {
		return nil
	}
	return t.store.SaveRecord(&store.TransferRecord{
		ID:         id,
		LocalPath:  localPath,
		RemoteName: remoteName,
		State:      store.StatePending,
		TotalBytes: size,
	})
}

func (t *Tracker) update(id string, fn func(*store.TransferRecord)) error {
	if t == nil {
		return nil
	}
	rec, err := t.store.GetRecord(id)
	if err != nil {
		return err
	}
	fn(rec)
	return t.store.SaveRecord(rec)
}

// MarkInProgress sets the record's state to InProgress.
func (t *Tracker) MarkInProgress(id string) error {
	return t.update(id, func(rec *store.TransferRecord) {
		rec.State = store.StateInProgress
	})
}

// MarkStored records a completed transfer and its checksum.
func (t *Tracker) MarkStored(id, checksum string, n int64) error {
	return t.update(id, func(rec *store.TransferRecord) {
		rec.State = store.StateStored
		rec.Checksum = checksum
		rec.BytesTransferred = n
		if rec.TotalBytes == 0 {
			rec.TotalBytes = n
		}
		rec.Error = ""
	})
}

// MarkFailed records a failed transfer.
func (t *Tracker) MarkFailed(id string, err error) error {
	return t.update(id, func(rec *store.TransferRecord) {
		rec.State = store.StateFailed
		if err != nil {
			rec.Error = err.Error()
		}
	})
}

// TrackedWriter wraps an io.Writer and checkpoints bytes written into the
// ledger record.
type TrackedWriter struct {
	io.Writer
	tracker *Tracker
	id      string

	mu              sync.Mutex
	bytesWritten    int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewTrackedWriter wraps w. With a nil tracker the writer only counts.
func (t *Tracker) NewTrackedWriter(w io.Writer, id string) *TrackedWriter {
	return &TrackedWriter{
		Writer:          w,
		tracker:         t,
		id:              id,
		lastCheckpointT: time.Now(),
	}
}

// Write implements io.Writer.
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n > 0 {
		tw.mu.Lock()
		tw.bytesWritten += int64(n)
		current := tw.bytesWritten
		due := false
		if tw.tracker != nil {
			due = current-tw.lastCheckpoint >= tw.tracker.config.BytesInterval ||
				time.Since(tw.lastCheckpointT) >= tw.tracker.config.TimeInterval
		}
		tw.mu.Unlock()

		if due {
			tw.checkpoint(current)
		}
	}
	return n, err
}

func (tw *TrackedWriter) checkpoint(n int64) {
	// Checkpoint failures never interrupt the transfer
	err := tw.tracker.update(tw.id, func(rec *store.TransferRecord) {
		rec.BytesTransferred = n
	})
	if err != nil {
		log.Debugw("checkpoint failed", "id", tw.id, "err", err)
		return
	}

	tw.mu.Lock()
	tw.lastCheckpoint = n
	tw.lastCheckpointT = time.Now()
	tw.mu.Unlock()
}

// BytesWritten returns the total number of bytes written.
func (tw *TrackedWriter) BytesWritten() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten
}
