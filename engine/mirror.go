package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/provider"
)

var log = logging.Logger("engine")

// DefaultMirrorWorkers is the number of concurrent copies a Mirror runs.
const DefaultMirrorWorkers = 4

// MirrorStats summarizes a completed Mirror.
type MirrorStats struct {
	Files    int64
	Bytes    int64
	Failed   int64
	Duration time.Duration
}

// Mirror copies the tree at srcPath on src to dstPath on dst. Individual file
// failures do not stop the copy; they are returned together once every file
// has been attempted.
func Mirror(ctx context.Context, src provider.Provider, srcPath string, dst provider.Provider, dstPath string, workers int) (MirrorStats, error) {
	if workers <= 0 {
		workers = DefaultMirrorWorkers
	}
	start := time.Now()

	var files, bytes, failed atomic.Int64
	handler := func(ctx context.Context, task CopyTask) error {
		n, err := copyOne(ctx, src, dst, task)
		if err != nil {
			failed.Add(1)
			log.Debugw("mirror copy failed", "src", task.SourcePath, "err", err)
			return err
		}
		files.Add(1)
		bytes.Add(n)
		return nil
	}

	tasks := make(TaskChannel, workers*4)
	pool := NewWorkerPool(ctx, tasks, handler)
	pool.SetWorkerCount(workers)

	_, walkErr := NewWalker(src, tasks).Walk(ctx, srcPath, dstPath)
	close(tasks)
	pool.SetWorkerCount(drainWorkers(len(tasks), workers))
	copyErr := pool.Wait()

	stats := MirrorStats{
		Files:    files.Load(),
		Bytes:    bytes.Load(),
		Failed:   failed.Load(),
		Duration: time.Since(start),
	}

	var merr *multierror.Error
	if walkErr != nil {
		merr = multierror.Append(merr, walkErr)
	}
	if copyErr != nil {
		merr = multierror.Append(merr, copyErr)
	}
	return stats, merr.ErrorOrNil()
}

// drainWorkers is the pool size once the walk is done and only queued
// tasks remain: no more workers than tasks, and at least one.
func drainWorkers(queued, workers int) int {
	return max(1, min(queued, workers))
}

// MirrorTo copies the local directory localDir to dest, which is either a
// local path or an s3://bucket/prefix URL.
func MirrorTo(ctx context.Context, localDir, dest string, workers int) (MirrorStats, error) {
	dst, root, err := provider.Open(ctx, dest)
	if err != nil {
		return MirrorStats{}, xerrors.Errorf("failed to open mirror destination %s: %w", dest, err)
	}
	return Mirror(ctx, provider.NewLocalProvider(""), localDir, dst, root, workers)
}

func copyOne(ctx context.Context, src, dst provider.Provider, task CopyTask) (int64, error) {
	r, err := src.OpenRead(ctx, task.SourcePath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dst.OpenWrite(ctx, task.DestinationPath, task.FileInfo)
	if err != nil {
		return 0, err
	}

	n, err := Copy(w, r)
	if err != nil {
		_ = w.Close()
		return n, xerrors.Errorf("failed to copy %s: %w", task.SourcePath, err)
	}
	if err := w.Close(); err != nil {
		return n, xerrors.Errorf("failed to finish %s: %w", task.DestinationPath, err)
	}
	return n, nil
}
