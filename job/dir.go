package job

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/transfer"
)

// EnterOptions controls what EnterDirectory may create.
type EnterOptions struct {
	// ExistingOnly forbids creating the directory itself.
	ExistingOnly bool
	// CreateParents allows creating its parent.
	CreateParents bool
}

// EnterDirectory changes the working directory to dir. A leading "/" makes
// dir relative to the starting directory. Missing directories are created
// as opts allows. The working directory only changes on success.
func (s *Session) EnterDirectory(ctx context.Context, dir string, opts EnterOptions) error {
	if err := s.check(); err != nil {
		return err
	}

	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		return nil
	}
	if strings.Contains(dir, " ") {
		return transfer.NewSessionError(nil, "spaces in directory names are not supported [%s]", dir)
	}

	target, err := s.tr.Resolve(dir)
	if err != nil {
		return err
	}

	// Parents above the starting directory are never probed or created.
	if head := path.Dir(target); head != target && remote.Within(s.tr.Root(), head) {
		if err := s.probe(ctx, head, opts.CreateParents); err != nil {
			return err
		}
	}
	if err := s.probe(ctx, target, !opts.ExistingOnly); err != nil {
		return err
	}

	if err := s.tr.SetCwd(target); err != nil {
		return err
	}
	s.rt.Printf("Entered [%s]", target)
	return nil
}

// probe succeeds if p is an accessible, writable directory, creating it when
// create is set.
func (s *Session) probe(ctx context.Context, p string, create bool) error {
	q := remote.Quote(p)
	_, _, err := s.sess.Output(ctx, "test -x "+q+" -a -w "+q)
	if err == nil {
		return nil
	}
	var exitErr *remote.ExitError
	if !errors.As(err, &exitErr) {
		return transfer.NewSessionError(err, "unable to probe path [%s]", p)
	}

	if !create {
		return transfer.NewSessionError(nil, "path [%s] does not exist", p)
	}
	if _, _, err := s.sess.Output(ctx, "mkdir -p "+q); err != nil {
		return transfer.NewSessionError(err, "unable to create path [%s]", p)
	}
	s.rt.Printf("Created [%s]", p)
	return nil
}
