// Package job runs one reconstruction job on a remote host: it uploads the
// inputs, signals the remote worker through a token file, waits for the
// completion markers and retrieves the results.
package job

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/importdir"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/runctx"
	"github.com/franksops/autorec/transfer"
)

var log = logging.Logger("job")

const (
	DefaultContact       = "system administrator"
	DefaultFailurePause  = time.Second
	DefaultMarkerTimeout = 1800 * time.Second
	DefaultDoneTimeout   = 3600 * time.Second
	DefaultWaitInterval  = time.Second
)

// Config describes how a job session connects and behaves.
type Config struct {
	// Hosts are tried in order; each may be written user@host:port.
	Hosts []string
	// Remote is the connection template; its Host is replaced by each
	// candidate in turn.
	Remote remote.Config

	// Compress is the remote compressor for retrievals.
	Compress string
	// Contact is named in operator messages when a job stalls.
	Contact string
	// Imports locates the local import and staging directories.
	Imports *importdir.Dirs
	// Tracker records every stored file in the run ledger.
	Tracker *engine.Tracker
	// MirrorWorkers bounds the extra-copy workers of RetrieveDirectory.
	MirrorWorkers int

	FailurePause  time.Duration
	MarkerTimeout time.Duration
	DoneTimeout   time.Duration
	WaitInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Compress == "" {
		c.Compress = transfer.DefaultCompress
	}
	if c.Contact == "" {
		c.Contact = DefaultContact
	}
	if c.MirrorWorkers <= 0 {
		c.MirrorWorkers = engine.DefaultMirrorWorkers
	}
	if c.FailurePause <= 0 {
		c.FailurePause = DefaultFailurePause
	}
	if c.MarkerTimeout <= 0 {
		c.MarkerTimeout = DefaultMarkerTimeout
	}
	if c.DoneTimeout <= 0 {
		c.DoneTimeout = DefaultDoneTimeout
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = DefaultWaitInterval
	}
	return c
}

// Session is a connected job session. Its working directory never leaves
// the remote directory it started in.
type Session struct {
	rt   *runctx.Runtime
	cfg  Config
	sess *remote.Session
	tr   *transfer.Transfer
}

// Connect opens a session on the first candidate host that accepts it. When
// every host fails the *remote.ConnectionError carries each cause.
func Connect(ctx context.Context, rt *runctx.Runtime, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Hosts) == 0 {
		return nil, &remote.ConnectionError{Err: xerrors.New("no candidate hosts")}
	}

	var errs *multierror.Error
	for _, host := range cfg.Hosts {
		rc := cfg.Remote
		rc.Host = host
		sess, err := remote.Dial(ctx, rc)
		if err != nil {
			rt.Printf("Unable to connect to machine %s [%v] trying next connection.", host, err)
			errs = multierror.Append(errs, err)
			continue
		}

		tr, err := transfer.New(ctx, sess, rt)
		if err != nil {
			_ = sess.Close()
			rt.Printf("Unable to use machine %s [%v] trying next connection.", host, err)
			errs = multierror.Append(errs, err)
			continue
		}
		tr.Compress = cfg.Compress
		tr.Tracker = cfg.Tracker

		log.Infow("connected", "host", sess.Host(), "base", tr.Root())
		return &Session{rt: rt, cfg: cfg, sess: sess, tr: tr}, nil
	}
	return nil, &remote.ConnectionError{Hosts: cfg.Hosts, Err: errs.ErrorOrNil()}
}

// Host returns the connected host.
func (s *Session) Host() string { return s.sess.Host() }

// Transfer returns the underlying transfer endpoint.
func (s *Session) Transfer() *transfer.Transfer { return s.tr }

// IsConnected reports whether the session is still usable.
func (s *Session) IsConnected() bool { return s.sess.IsConnected() }

func (s *Session) check() error {
	return s.sess.CheckConnected()
}

// CurrentDir returns the working directory relative to the starting
// directory: "" at the start, otherwise a path beginning with "/".
func (s *Session) CurrentDir() string {
	return strings.TrimPrefix(s.tr.Cwd(), s.tr.Root())
}

// FileNames lists every regular file in the working directory.
func (s *Session) FileNames(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.tr.FileNames(ctx, transfer.AllPattern)
}

// DirNames lists every directory in the working directory.
func (s *Session) DirNames(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.tr.DirNames(ctx, transfer.AllPattern)
}

// Close disconnects the session.
func (s *Session) Close() error {
	return s.sess.Close()
}
