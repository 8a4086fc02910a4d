package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/remote"
)

// GetOptions tunes GetOne.
type GetOptions struct {
	// SkipExistCheck skips listing the remote directory before retrieving.
	SkipExistCheck bool
}

// GetOne retrieves the remote file remoteName into localPath. It returns the
// number of bytes retrieved and their MD5 checksum.
func (t *Transfer) GetOne(ctx context.Context, remoteName, localPath string, opts GetOptions) (int64, string, error) {
	resolved, err := t.Resolve(remoteName)
	if err != nil {
		return 0, "", err
	}

	if !opts.SkipExistCheck {
		names, err := t.list(ctx, path.Dir(resolved), Files, AllPattern)
		if err != nil {
			return 0, "", err
		}
		if !contains(names, path.Base(resolved)) {
			return 0, "", &RemoteFileError{Host: t.sess.Host(), Path: resolved}
		}
	}

	f, err := os.Create(localPath)
	if err != nil {
		return 0, "", &FileError{Path: localPath, Err: err}
	}
	defer f.Close()

	start := time.Now()
	cw := engine.NewChecksumWriter(f)
	if err := t.sess.Run(ctx, "cat "+remote.Quote(resolved), remote.Streams{Stdout: cw}); err != nil {
		return 0, "", NewSessionError(err, "unable to retrieve file [%s]", remoteName)
	}
	if err := f.Sync(); err != nil {
		return 0, "", &FileError{Path: localPath, Err: err}
	}

	n := cw.BytesWritten()
	fi, err := f.Stat()
	if err != nil {
		return 0, "", &FileError{Path: localPath, Err: err}
	}
	if fi.Size() != n {
		return 0, "", NewSessionError(nil, "retrieved %d bytes of [%s] but [%s] holds %d", n, remoteName, localPath, fi.Size())
	}

	log.Debugw("retrieved file", "remote", resolved, "local", localPath, "bytes", n, "elapsed", time.Since(start))
	return n, cw.Checksum(), nil
}

// GetMany retrieves every entry Match selects for pattern into localDir and
// returns the bytes transferred: the decompressed archive stream, slightly
// more than the file contents. Progress is printed as the retrieved file
// count passes each power of two.
//
// Files are retrieved in pages. With a callback each page holds cb.Limit()
// files and is offered to the callback, as local paths, as soon as it has
// arrived. The first page the callback fails on marks it errored and later
// pages are retrieved without being offered. A callback cannot be combined
// with a pattern selecting a whole directory.
func (t *Transfer) GetMany(ctx context.Context, pattern, localDir string, cb *Callback) (int64, error) {
	if cb != nil {
		cb.reset()
	}

	sel, err := t.Match(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if sel.Whole && cb != nil {
		return 0, xerrors.Errorf("retrieving %q: %w", pattern, ErrCallbackOnDirectory)
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return 0, &FileError{Path: localDir, Err: err}
	}

	pageSize := max(len(sel.Names)/8, 256)
	if cb != nil {
		pageSize = cb.Limit()
	}

	var (
		start    = time.Now()
		received int64
		cbTime   time.Duration
		done     int
		report   = 1
	)
	for done < len(sel.Names) {
		names := sel.Names[done:min(done+pageSize, len(sel.Names))]
		n, err := t.getPage(ctx, sel.Dir, names, localDir, sel.Whole)
		received += n
		if err != nil {
			return received, err
		}
		done += len(names)

		var marks []string
		for ; report < done; report *= 2 {
			marks = append(marks, strconv.Itoa(report))
		}
		if len(marks) > 0 {
			t.out.Printf("%s (%d of %d)", strings.Join(marks, " "), done, len(sel.Names))
		}

		if cb != nil && !cb.errored {
			cbStart := time.Now()
			t.offer(ctx, cb, localDir, names)
			cbTime += time.Since(cbStart)
		}
	}
	if cb != nil {
		cb.completed = true
	}

	syncDir(localDir)

	elapsed := time.Since(start)
	if sel.Whole {
		t.out.Printf("Retrieved \"%s\" directory, %s [%s @ %s/s]", pattern, seconds(elapsed), humanize.Bytes(uint64(received)), rate(received, elapsed))
	} else {
		t.out.Printf("Retrieved \"%s\": %d files, %s [%s @ %s/s]", pattern, len(sel.Names), seconds(elapsed), humanize.Bytes(uint64(received)), rate(received, elapsed))
	}
	if cb != nil {
		verb := "Performed"
		if cb.errored {
			verb = "Attempted"
		}
		t.out.Printf("%s callback [%s] in %s", verb, cb.label, seconds(cbTime))
	}
	return received, nil
}

func (t *Transfer) offer(ctx context.Context, cb *Callback, localDir string, names []string) {
	files := make([]string, len(names))
	for i, name := range names {
		files[i] = filepath.Join(localDir, filepath.FromSlash(name))
	}

	handled, err := cb.fn(ctx, files)
	if err == nil && handled != len(files) {
		err = xerrors.Errorf("handled %d of %d files", handled, len(files))
	}
	if err != nil {
		cb.errored = true
		t.out.Printf("Error in callback [%s]: %v", cb.label, err)
		log.Warnw("callback failed; remaining pages will not be offered", "label", cb.label, "err", err)
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Warnw("opening directory for sync", "dir", dir, "err", err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debugw("syncing directory", "dir", dir, "err", err)
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func rate(n int64, d time.Duration) string {
	secs := d.Seconds()
	if secs <= 0 {
		return humanize.Bytes(uint64(n))
	}
	return humanize.Bytes(uint64(float64(n) / secs))
}
