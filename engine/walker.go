package engine

import (
	"context"
	"path"

	"golang.org/x/xerrors"

	"github.com/franksops/autorec/provider"
)

// Walker traverses a source tree iteratively and queues a CopyTask per file.
// Provider paths are slash separated.
type Walker struct {
	Source provider.Provider
	Tasks  TaskChannel
}

// NewWalker creates a Walker over src.
func NewWalker(src provider.Provider, tasks TaskChannel) *Walker {
	return &Walker{Source: src, Tasks: tasks}
}

// Walk queues every file under sourcePath, mapped below destPath. A file
// sourcePath is queued alone. The caller owns closing Tasks.
func (w *Walker) Walk(ctx context.Context, sourcePath, destPath string) (int, error) {
	stat, err := w.Source.Stat(ctx, sourcePath)
	if err != nil {
		return 0, xerrors.Errorf("failed to stat source %s: %w", sourcePath, err)
	}

	if !stat.IsDir() {
		return 1, w.send(ctx, CopyTask{
			ID:              sourcePath,
			SourcePath:      sourcePath,
			DestinationPath: destPath,
			FileInfo:        stat,
		})
	}

	queued := 0
	stack := []string{""}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return queued, err
		}

		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := path.Join(sourcePath, rel)
		entries, err := w.Source.List(ctx, dir)
		if err != nil {
			return queued, xerrors.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			entryRel := path.Join(rel, entry.Name())
			if entry.IsDir() {
				stack = append(stack, entryRel)
				continue
			}

			task := CopyTask{
				ID:              entryRel,
				SourcePath:      path.Join(sourcePath, entryRel),
				DestinationPath: path.Join(destPath, entryRel),
				FileInfo:        entry,
			}
			if err := w.send(ctx, task); err != nil {
				return queued, err
			}
			queued++
		}
	}

	return queued, nil
}

func (w *Walker) send(ctx context.Context, task CopyTask) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.Tasks <- task:
		return nil
	}
}
