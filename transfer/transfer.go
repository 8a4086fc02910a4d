// Package transfer moves files between the local host and a remote session:
// single files over a plain byte stream, file sets as paginated tar archives.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"path"
	"regexp"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/runctx"
)

var log = logging.Logger("transfer")

const (
	// DefaultPattern matches every name that does not start with a dot.
	DefaultPattern = `[^.].*`
	// AllPattern matches every name.
	AllPattern = ""
	// DefaultCompress is the remote compressor for archive pages.
	DefaultCompress = "gzip -1"
)

// Kind selects what List returns.
type Kind int

const (
	Files Kind = iota
	Dirs
)

func (k Kind) findType() string {
	if k == Dirs {
		return "d"
	}
	return "f"
}

// Transfer is a file transfer endpoint over one remote session. Every path
// it touches resolves inside Root.
type Transfer struct {
	sess *remote.Session
	out  runctx.Printer

	root string
	cwd  string

	// Compress is the remote command archive pages are piped through; empty
	// disables compression.
	Compress string
	// Tracker, when set, records each PutOne in the run ledger.
	Tracker *engine.Tracker
}

// New creates a Transfer rooted at the remote working directory.
func New(ctx context.Context, sess *remote.Session, out runctx.Printer) (*Transfer, error) {
	stdout, _, err := sess.Output(ctx, "pwd")
	if err != nil {
		return nil, NewSessionError(err, "unable to determine remote working directory")
	}
	root := strings.TrimSpace(string(stdout))
	if !strings.HasPrefix(root, "/") {
		return nil, NewSessionError(nil, "unexpected remote working directory %q", root)
	}
	return NewAt(sess, out, root), nil
}

// NewAt creates a Transfer rooted at root.
func NewAt(sess *remote.Session, out runctx.Printer, root string) *Transfer {
	root = path.Clean(root)
	return &Transfer{sess: sess, out: out, root: root, cwd: root, Compress: DefaultCompress}
}

// Session returns the underlying remote session.
func (t *Transfer) Session() *remote.Session { return t.sess }

// Root returns the confinement base.
func (t *Transfer) Root() string { return t.root }

// Cwd returns the absolute remote working directory.
func (t *Transfer) Cwd() string { return t.cwd }

// Resolve returns the absolute remote path for p, confined to Root.
func (t *Transfer) Resolve(p string) (string, error) {
	resolved, err := remote.Resolve(t.root, t.cwd, p)
	if err != nil {
		return "", NewSessionError(err, "path [%s] is outside [%s]", p, t.root)
	}
	return resolved, nil
}

// Chdir changes the working directory to p after verifying that it is an
// accessible directory.
func (t *Transfer) Chdir(ctx context.Context, p string) error {
	resolved, err := t.Resolve(p)
	if err != nil {
		return err
	}
	if err := t.checkDir(ctx, resolved); err != nil {
		return err
	}
	t.cwd = resolved
	return nil
}

// SetCwd sets the working directory to the absolute path dir without
// probing the remote host.
func (t *Transfer) SetCwd(dir string) error {
	dir = path.Clean(dir)
	if !remote.Within(t.root, dir) {
		return NewSessionError(ErrEscapesBase, "path [%s] is outside [%s]", dir, t.root)
	}
	t.cwd = dir
	return nil
}

func (t *Transfer) checkDir(ctx context.Context, dir string) error {
	q := remote.Quote(dir)
	_, _, err := t.sess.Output(ctx, "test -d "+q+" && test -x "+q)
	if err == nil {
		return nil
	}
	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		return &RemoteFileError{Host: t.sess.Host(), Path: dir}
	}
	return NewSessionError(err, "unable to check directory [%s]", dir)
}

// List returns the sorted names of the entries of the working directory of
// the given kind whose names match pattern. Symlinks are followed. The
// pattern is a regular expression anchored at the start of the name.
func (t *Transfer) List(ctx context.Context, kind Kind, pattern string) ([]string, error) {
	return t.list(ctx, t.cwd, kind, pattern)
}

// FileNames lists the regular files of the working directory.
func (t *Transfer) FileNames(ctx context.Context, pattern string) ([]string, error) {
	return t.List(ctx, Files, pattern)
}

// DirNames lists the directories of the working directory.
func (t *Transfer) DirNames(ctx context.Context, pattern string) ([]string, error) {
	return t.List(ctx, Dirs, pattern)
}

func (t *Transfer) list(ctx context.Context, dir string, kind Kind, pattern string) ([]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	cmd := "cd " + remote.Quote(dir) + " && find -L . -mindepth 1 -maxdepth 1 -type " + kind.findType() + " -print0"
	stdout, _, err := t.sess.Output(ctx, cmd)
	if err != nil {
		return nil, NewSessionError(err, "unable to list [%s]", dir)
	}

	var names []string
	for _, entry := range bytes.Split(stdout, []byte{0}) {
		name := strings.TrimPrefix(string(entry), "./")
		if name == "" {
			continue
		}
		if re == nil || re.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, xerrors.Errorf("invalid name pattern %q: %w", pattern, err)
	}
	return re, nil
}

// Selection is the outcome of matching a retrieval pattern.
type Selection struct {
	// Dir is the absolute remote directory the names are relative to.
	Dir string
	// Names are the matched entries, sorted.
	Names []string
	// Whole is set when the pattern named a directory; Names then holds
	// just that directory.
	Whole bool
}

// Match resolves a retrieval pattern without transferring anything.
//
// Leading components of the pattern name a directory relative to the
// working directory. The last component is either the name of a
// subdirectory, selected as a whole, or a name pattern for files; an empty
// last component selects every file. Zero matches yield *RemoteFileError.
func (t *Transfer) Match(ctx context.Context, pattern string) (*Selection, error) {
	head, tail := path.Split(pattern)

	dir := t.cwd
	if head != "" {
		resolved, err := t.Resolve(head)
		if err != nil {
			return nil, err
		}
		if err := t.checkDir(ctx, resolved); err != nil {
			return nil, err
		}
		dir = resolved
	}

	if tail != "" {
		dirs, err := t.list(ctx, dir, Dirs, AllPattern)
		if err != nil {
			return nil, err
		}
		for _, d := range dirs {
			if d == tail {
				return &Selection{Dir: dir, Names: []string{d}, Whole: true}, nil
			}
		}
	}

	names, err := t.list(ctx, dir, Files, tail)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, &RemoteFileError{Host: t.sess.Host(), Path: path.Join(dir, tail)}
	}
	return &Selection{Dir: dir, Names: names}, nil
}
