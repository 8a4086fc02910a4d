// Package remote provides a persistent, multiplexed command-execution
// session to a single SSH host.
//
// A Session authenticates once and keeps a master channel open for its whole
// lifetime; every command afterwards is a new logical channel over the same
// connection, so issuing dozens of short commands per second costs no
// additional handshakes.
package remote

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"
)

var log = logging.Logger("remote")

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 5 * time.Second
	DefaultKeepAlive      = 20 * time.Second

	// The master channel echoes a sentinel and then holds stdin open until
	// the session is closed.
	masterCommand  = "echo Y; cat > /dev/null"
	masterSentinel = 'Y'

	closeGrace = 500 * time.Millisecond
)

// Config describes how to reach and authenticate against one host.
type Config struct {
	// Host is a hostname or address, optionally written as user@host or
	// host:port.
	Host string
	User string
	Port int

	// KeyFile is a private key path ("~" is expanded). Signer takes
	// precedence when both are set; the SSH agent is used when neither is.
	KeyFile string
	Signer  ssh.Signer

	// StrictHostKey enables known_hosts verification.
	StrictHostKey  bool
	KnownHostsFile string

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

func (c Config) withDefaults() Config {
	if i := strings.LastIndex(c.Host, "@"); i >= 0 {
		c.User = c.Host[:i]
		c.Host = c.Host[i+1:]
	}
	if h, p, err := net.SplitHostPort(c.Host); err == nil {
		if port, err := strconv.Atoi(p); err == nil {
			c.Host = h
			c.Port = port
		}
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	return c
}

// Session is an authenticated connection to one host. It is not safe for
// concurrent use by multiple goroutines.
type Session struct {
	host string
	user string

	client     *ssh.Client
	master     *Process
	masterDone chan struct{}
	stop       chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
}

// Dial connects to cfg.Host and starts the master channel. It returns either
// a fully connected Session or a *ConnectionError.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	connErr := func(err error) error {
		return &ConnectionError{Hosts: []string{cfg.Host}, Err: err}
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, connErr(err)
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, connErr(err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connErr(xerrors.Errorf("dial %s: %w", addr, err))
	}

	// Bound the handshake; cleared once the client is up
	_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, connErr(xerrors.Errorf("ssh handshake with %s: %w", addr, err))
	}
	_ = conn.SetDeadline(time.Time{})

	s := &Session{
		host:       cfg.Host,
		user:       cfg.User,
		client:     ssh.NewClient(c, chans, reqs),
		masterDone: make(chan struct{}),
		stop:       make(chan struct{}),
	}

	log.Debugw("launching master session", "host", s.host, "user", s.user)
	if err := s.startMaster(ctx, cfg.ConnectTimeout); err != nil {
		_ = s.client.Close()
		return nil, connErr(err)
	}

	s.connected.Store(true)
	go s.keepalive(cfg.KeepAlive)

	log.Infow("connected", "host", s.host)
	return s, nil
}

func (s *Session) startMaster(ctx context.Context, timeout time.Duration) error {
	m, err := s.start(context.Background(), masterCommand, Streams{PipeStdin: true, PipeStdout: true})
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	go func() {
		b := make([]byte, 1)
		if _, err := io.ReadFull(m.StdoutPipe(), b); err != nil {
			reply <- xerrors.Errorf("reading master sentinel: %w", err)
			return
		}
		if b[0] != masterSentinel {
			reply <- xerrors.Errorf("unexpected reply %q from master session", b)
			return
		}
		reply <- nil
	}()

	select {
	case err = <-reply:
	case <-time.After(timeout):
		err = xerrors.Errorf("no reply from master session after %s", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if out := m.ErrOutput(); len(out) > 0 {
			err = xerrors.Errorf("%w [%s]", err, strings.TrimSpace(string(out)))
		}
		_ = m.sess.Close()
		return err
	}

	s.master = m
	go func() {
		werr := m.Wait()
		s.connected.Store(false)
		if !s.closed.Load() {
			log.Warnw("master session exited", "host", s.host, "err", werr)
		}
		close(s.masterDone)
	}()
	return nil
}

func (s *Session) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.masterDone:
			return
		case <-t.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warnw("keepalive failed; marking session disconnected", "host", s.host, "err", err)
				s.connected.Store(false)
				return
			}
		}
	}
}

// Host returns the host this session is connected to.
func (s *Session) Host() string { return s.host }

// IsConnected reports, without side effects, whether the session is usable.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// CheckConnected returns ErrNotConnected once the session is unusable.
func (s *Session) CheckConnected() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Start launches command as a new channel over the session connection.
func (s *Session) Start(ctx context.Context, command string, st Streams) (*Process, error) {
	if err := s.CheckConnected(); err != nil {
		return nil, err
	}
	return s.start(ctx, command, st)
}

// Run executes command and waits for it. A non-zero exit yields *ExitError.
func (s *Session) Run(ctx context.Context, command string, st Streams) error {
	p, err := s.Start(ctx, command, st)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Output executes command and returns its captured stdout and stderr. A
// non-zero exit yields *ExitError alongside whatever was captured.
func (s *Session) Output(ctx context.Context, command string) ([]byte, []byte, error) {
	p, err := s.Start(ctx, command, Streams{})
	if err != nil {
		return nil, nil, err
	}
	err = p.Wait()
	return p.Output(), p.ErrOutput(), err
}

// Close shuts the session down: it ends the master channel's input, then
// escalates through INT, QUIT and KILL if the channel does not exit on its
// own. Errors are logged; Close always returns nil.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Debugw("closing master session", "host", s.host)

	close(s.stop)
	if s.master != nil {
		if err := s.master.StdinPipe().Close(); err != nil {
			log.Debugw("closing master stdin", "host", s.host, "err", err)
		}
	escalate:
		for _, sig := range []ssh.Signal{ssh.SIGINT, ssh.SIGQUIT, ssh.SIGKILL} {
			select {
			case <-s.masterDone:
				break escalate
			case <-time.After(closeGrace):
			}
			if err := s.master.Signal(sig); err != nil {
				log.Debugw("signalling master session", "host", s.host, "signal", sig, "err", err)
			}
		}
		select {
		case <-s.masterDone:
		case <-time.After(closeGrace):
			log.Warnw("master session did not exit; closing connection", "host", s.host)
		}
	}

	s.connected.Store(false)
	if err := s.client.Close(); err != nil && !xerrors.Is(err, net.ErrClosed) {
		log.Warnw("error while closing master connection", "host", s.host, "err", err)
	}
	return nil
}
