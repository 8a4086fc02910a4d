// Package importdir names and manages the local import directories that
// retrieved images are delivered into. Every directory carries a ".<pid>"
// suffix so concurrent runs on one host never collide.
package importdir

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/runctx"
)

var log = logging.Logger("importdir")

const (
	// HandoffSuffix marks a directory as ready for the import service.
	HandoffSuffix = ".sdcopen"
	// StagingPrefix names the staging directory next to the import root.
	StagingPrefix = "mar_tmp_"

	DefaultPollInterval = 200 * time.Millisecond
)

// ErrRefused is returned when removal would target the filesystem root, an
// empty path or the import root itself.
var ErrRefused = xerrors.New("refusing to remove directory")

// Dirs resolves import and staging directory names below one import root.
type Dirs struct {
	root   string
	suffix string

	// PollInterval is how often Handoff checks whether the import service
	// has consumed a directory.
	PollInterval time.Duration
}

// New creates Dirs below root using this process's pid as suffix.
func New(root string) *Dirs {
	return NewWithSuffix(root, "."+strconv.Itoa(os.Getpid()))
}

// NewWithSuffix creates Dirs below root with an explicit suffix.
func NewWithSuffix(root, suffix string) *Dirs {
	return &Dirs{root: filepath.Clean(root), suffix: suffix, PollInterval: DefaultPollInterval}
}

// Root returns the import root.
func (d *Dirs) Root() string { return d.root }

// Suffix returns the per-process suffix.
func (d *Dirs) Suffix() string { return d.suffix }

// Path returns the import directory for name.
func (d *Dirs) Path(name string) string {
	return filepath.Join(d.root, name+d.suffix)
}

// StagingPath returns the directory name is retrieved into before it is
// moved below the root. It lives beside the root so the import service
// never sees a partial directory.
func (d *Dirs) StagingPath(name string) string {
	return filepath.Join(filepath.Dir(d.root), StagingPrefix+name+d.suffix)
}

// Handoff renames the import directory for name to its handoff name and
// waits until the import service has consumed it.
func (d *Dirs) Handoff(ctx context.Context, name string, out runctx.Printer) error {
	from := d.Path(name)
	to := from + HandoffSuffix
	if err := os.Rename(from, to); err != nil {
		return xerrors.Errorf("failed to hand off %s: %w", from, err)
	}
	out.Printf("Waiting for import of %s", to)

	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := os.Stat(to)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			log.Debugw("checking handoff directory", "dir", to, "err", err)
		}
		select {
		case <-ctx.Done():
			return xerrors.Errorf("waiting for import of %s: %w", to, ctx.Err())
		case <-ticker.C:
		}
	}
	out.Printf("Import of %s complete after %s", to, time.Since(start).Round(100*time.Millisecond))
	return nil
}

// Remove deletes the import directory for name and everything below it.
func (d *Dirs) Remove(name string, out runctx.Printer) error {
	dir := d.Path(name)
	if dir == "" || dir == string(filepath.Separator) || filepath.Clean(dir) == d.root {
		out.Printf("Refusing to try to remove '%s'", dir)
		return xerrors.Errorf("%s: %w", dir, ErrRefused)
	}
	if err := os.RemoveAll(dir); err != nil {
		return xerrors.Errorf("failed to remove %s: %w", dir, err)
	}
	out.Printf("Removed %s.", dir)
	return nil
}
