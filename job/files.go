package job

import (
	"context"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/transfer"
)

// RetrievePattern selects the image files of a result directory.
const RetrievePattern = `.*\.sdcopen`

// GetFile retrieves remoteName from the working directory into localPath
// and returns its size.
func (s *Session) GetFile(ctx context.Context, remoteName, localPath string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	start := time.Now()
	n, _, err := s.tr.GetOne(ctx, remoteName, localPath, transfer.GetOptions{})
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	s.rt.Printf("Retrieved %s as %s: %s in %.1fs [%s/s]", remoteName, localPath,
		humanize.Bytes(uint64(n)), elapsed.Seconds(), humanize.Bytes(uint64(float64(n)/max(elapsed.Seconds(), 1e-3))))
	return n, nil
}

// GetFiles retrieves everything pattern selects into localDir and returns
// the bytes transferred. See transfer.Transfer.GetMany.
func (s *Session) GetFiles(ctx context.Context, pattern, localDir string, cb *transfer.Callback) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.tr.GetMany(ctx, pattern, localDir, cb)
}

// RemoveFile deletes name from the working directory.
func (s *Session) RemoveFile(ctx context.Context, name string) error {
	names, err := s.FileNames(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return &transfer.RemoteFileError{Host: s.Host(), Path: path.Join(s.CurrentDir(), name)}
	}
	if err := s.sess.Run(ctx, "rm -f "+remote.Quote(path.Join(s.tr.Cwd(), name)), remote.Streams{}); err != nil {
		return transfer.NewSessionError(err, "unable to remove [%s]", name)
	}
	return nil
}

// StoreFile sends localPath to remoteName in the working directory and
// returns its size and MD5 checksum.
func (s *Session) StoreFile(ctx context.Context, localPath, remoteName string) (int64, string, error) {
	if err := s.check(); err != nil {
		return 0, "", err
	}
	return s.tr.PutOne(ctx, localPath, remoteName, transfer.PutOptions{Progress: true, RecordID: localPath})
}

func (s *Session) storeStream(ctx context.Context, key, remoteName string) (int64, string, error) {
	if err := s.check(); err != nil {
		return 0, "", err
	}
	f, err := openStream(key)
	if err != nil {
		return 0, "", &transfer.FileError{Path: key, Err: err}
	}
	defer f.Close()

	size := int64(-1)
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		size = fi.Size()
	}
	return s.tr.PutReader(ctx, f, size, "<"+key+">", remoteName, transfer.PutOptions{RecordID: key})
}

// StoreMany stores every entry of files in key order and returns the MD5
// checksum of each stored file keyed by remote name. A failure does not stop
// the remaining entries; the failed entry's Delete flag is cleared and a
// *transfer.SessionError naming every failed key is returned alongside the
// checksums of the successes.
func (s *Session) StoreMany(ctx context.Context, files Descriptors) (map[string]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var (
		sums   = make(map[string]string, len(files))
		size   int64
		count  int
		failed []string
		errs   *multierror.Error
		start  = time.Now()
	)
	for _, key := range files.Keys() {
		desc := files[key]

		var n int64
		var sum string
		err := ctx.Err()
		if err == nil {
			if IsStream(key) {
				n, sum, err = s.storeStream(ctx, key, desc.RemoteName)
			} else {
				n, sum, err = s.StoreFile(ctx, key, desc.RemoteName)
			}
		}
		if err != nil {
			s.rt.Printf("Error storing file %s as %s; continuing.\n  Error: [%v]", key, desc.RemoteName, err)
			desc.Delete = false
			files[key] = desc
			failed = append(failed, key)
			errs = multierror.Append(errs, err)
			if ctx.Err() == nil {
				sleep(ctx, s.cfg.FailurePause)
			}
			continue
		}
		sums[desc.RemoteName] = sum
		size += n
		count++
	}

	elapsed := time.Since(start)
	s.rt.Printf("Stored and checksummed %d file[s] totaling %s in %.1fs [%s/s]",
		count, humanize.Bytes(uint64(size)), elapsed.Seconds(), humanize.Bytes(uint64(float64(size)/max(elapsed.Seconds(), 1e-3))))

	if len(failed) > 0 {
		return sums, transfer.NewSessionError(errs.ErrorOrNil(), "Unable to send %d file[s] (%s)", len(failed), strings.Join(failed, ", "))
	}
	return sums, nil
}

// RetrieveDirectory retrieves the image files of the remote directory name
// into the local import directory for name. Nothing is created locally when
// name holds no image files. When extraCopy is set, a best-effort copy of
// the images is written there too: a local path or an s3://bucket/prefix.
func (s *Session) RetrieveDirectory(ctx context.Context, name, extraCopy string, cb *transfer.Callback) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.cfg.Imports == nil {
		return xerrors.New("no import directory configured")
	}

	pattern := name + "/" + RetrievePattern
	if _, err := s.tr.Match(ctx, pattern); err != nil {
		return err
	}

	staging := s.cfg.Imports.StagingPath(name)
	if err := os.Mkdir(staging, 0o755); err != nil {
		return &transfer.FileError{Path: staging, Err: err}
	}
	if _, err := s.tr.GetMany(ctx, pattern, staging, cb); err != nil {
		return err
	}

	if extraCopy != "" {
		stats, err := engine.MirrorTo(ctx, staging, extraCopy, s.cfg.MirrorWorkers)
		if err != nil {
			s.rt.Printf("Error copying files to extra destination: %s\nError: %v\nContinuing...", extraCopy, err)
		} else {
			s.rt.Printf("Copied %d files (%s) to %s", stats.Files, humanize.Bytes(uint64(stats.Bytes)), extraCopy)
		}
	}

	dest := s.cfg.Imports.Path(name)
	if err := os.Rename(staging, dest); err != nil {
		return xerrors.Errorf("failed to move %s to %s: %w", staging, dest, err)
	}
	return nil
}

// ImportDirectory hands the import directory for name to the import
// service and waits until it has been consumed.
func (s *Session) ImportDirectory(ctx context.Context, name string) error {
	if s.cfg.Imports == nil {
		return xerrors.New("no import directory configured")
	}
	return s.cfg.Imports.Handoff(ctx, name, s.rt)
}

// RemoveImportDirectory deletes the import directory for name.
func (s *Session) RemoveImportDirectory(name string) error {
	if s.cfg.Imports == nil {
		return xerrors.New("no import directory configured")
	}
	return s.cfg.Imports.Remove(name, s.rt)
}

// sleep pauses for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
