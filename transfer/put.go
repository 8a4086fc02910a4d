package transfer

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/ui"
)

// ProgressThreshold is the smallest upload that reports progress.
const ProgressThreshold = 128 << 20

// PutOptions tunes PutOne and PutReader.
type PutOptions struct {
	// Progress reports percent complete for uploads of at least
	// ProgressThreshold bytes.
	Progress bool
	// RecordID is the ledger identity of the upload; defaults to the
	// local name.
	RecordID string
}

// PutOne sends localPath to remoteName and returns the bytes sent and their
// MD5 checksum.
func (t *Transfer) PutOne(ctx context.Context, localPath, remoteName string, opts PutOptions) (int64, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, "", &FileError{Path: localPath, Err: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, "", &FileError{Path: localPath, Err: err}
	}
	return t.PutReader(ctx, f, fi.Size(), localPath, remoteName, opts)
}

// PutReader sends everything read from r to remoteName. size is checked
// against the bytes sent unless it is negative. name identifies the source
// in output and in the ledger.
func (t *Transfer) PutReader(ctx context.Context, r io.Reader, size int64, name, remoteName string, opts PutOptions) (int64, string, error) {
	resolved, err := t.Resolve(remoteName)
	if err != nil {
		return 0, "", err
	}

	id := opts.RecordID
	if id == "" {
		id = name
	}
	if err := t.Tracker.Begin(id, name, resolved, size); err != nil {
		log.Warnw("recording transfer", "id", id, "err", err)
	}

	sent, sum, err := t.put(ctx, r, size, name, resolved, id, opts)
	if err != nil {
		if lerr := t.Tracker.MarkFailed(id, err); lerr != nil {
			log.Warnw("recording failed transfer", "id", id, "err", lerr)
		}
		return sent, "", err
	}
	if err := t.Tracker.MarkStored(id, sum, sent); err != nil {
		log.Warnw("recording stored transfer", "id", id, "err", err)
	}
	return sent, sum, nil
}

func (t *Transfer) put(ctx context.Context, r io.Reader, size int64, name, resolved, id string, opts PutOptions) (int64, string, error) {
	start := time.Now()
	proc, err := t.sess.Start(ctx, "cat > "+remote.Quote(resolved), remote.Streams{PipeStdin: true})
	if err != nil {
		return 0, "", NewSessionError(err, "unable to store [%s]", name)
	}
	if err := t.Tracker.MarkInProgress(id); err != nil {
		log.Debugw("recording transfer start", "id", id, "err", err)
	}

	cr := engine.NewChecksumReader(r)
	var src io.Reader = cr
	var bar *ui.Progress
	if opts.Progress && size >= ProgressThreshold {
		bar = ui.NewProgress(t.out, name, size)
		src = io.TeeReader(cr, bar)
	}

	sent, copyErr := engine.Copy(t.Tracker.NewTrackedWriter(proc.StdinPipe(), id), src)
	closeErr := proc.StdinPipe().Close()
	waitErr := proc.Wait()
	switch {
	case waitErr != nil:
		return sent, "", NewSessionError(waitErr, "unable to store [%s] as [%s]", name, resolved)
	case copyErr != nil:
		return sent, "", NewSessionError(copyErr, "unable to send [%s]", name)
	case closeErr != nil:
		return sent, "", NewSessionError(closeErr, "unable to finish sending [%s]", name)
	case size >= 0 && sent != size:
		return sent, "", NewSessionError(nil, "sent %d of %d bytes of [%s]", sent, size, name)
	}
	if bar != nil {
		bar.Finish()
	}

	sum := cr.Checksum()
	elapsed := time.Since(start)
	t.out.Printf("Store [%s #%s] -> [%s] %s in %s [%s/s]", name, strings.ToUpper(sum[:8]), path.Base(resolved), humanize.Bytes(uint64(sent)), seconds(elapsed), rate(sent, elapsed))
	return sent, sum, nil
}
