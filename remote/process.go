package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"
)

// Streams selects how a remote command's standard streams are wired. A nil
// writer means the stream is captured into a private buffer; a nil Stdin
// means the command sees end of input immediately.
//
// PipeStdin and PipeStdout request streaming pipes instead, available from
// the Process once started.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	PipeStdin  bool
	PipeStdout bool
}

// Process is one running remote command.
type Process struct {
	command string
	sess    *ssh.Session
	ctx     context.Context

	stdin  io.WriteCloser
	stdout io.Reader

	outBuf *syncBuffer
	errBuf *syncBuffer

	done     chan struct{}
	waitOnce sync.Once
	waitErr  error
}

func (s *Session) start(ctx context.Context, command string, st Streams) (*Process, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, xerrors.Errorf("opening channel on %s: %w", s.host, err)
	}

	p := &Process{command: command, sess: sess, ctx: ctx, done: make(chan struct{})}

	if st.PipeStdin {
		if p.stdin, err = sess.StdinPipe(); err != nil {
			_ = sess.Close()
			return nil, xerrors.Errorf("stdin pipe: %w", err)
		}
	} else if st.Stdin != nil {
		sess.Stdin = st.Stdin
	}

	switch {
	case st.PipeStdout:
		if p.stdout, err = sess.StdoutPipe(); err != nil {
			_ = sess.Close()
			return nil, xerrors.Errorf("stdout pipe: %w", err)
		}
	case st.Stdout != nil:
		sess.Stdout = st.Stdout
	default:
		p.outBuf = new(syncBuffer)
		sess.Stdout = p.outBuf
	}

	if st.Stderr != nil {
		sess.Stderr = st.Stderr
	} else {
		p.errBuf = new(syncBuffer)
		sess.Stderr = p.errBuf
	}

	log.Debugw("exec", "host", s.host, "cmd", shorten(command, 160))
	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return nil, xerrors.Errorf("starting [%s]: %w", shorten(command, 160), err)
	}

	go p.watch()
	return p, nil
}

func (p *Process) watch() {
	select {
	case <-p.done:
	case <-p.ctx.Done():
		log.Debugw("context cancelled; killing remote command", "cmd", shorten(p.command, 160))
		_ = p.sess.Signal(ssh.SIGKILL)
		_ = p.sess.Close()
	}
}

// Command returns the command line this process runs.
func (p *Process) Command() string { return p.command }

// StdinPipe returns the write side of the command's stdin when started with
// PipeStdin. Closing it sends end of input.
func (p *Process) StdinPipe() io.WriteCloser { return p.stdin }

// StdoutPipe returns the command's stdout when started with PipeStdout.
func (p *Process) StdoutPipe() io.Reader { return p.stdout }

// Output returns captured stdout, or nil if stdout was not captured.
func (p *Process) Output() []byte {
	if p.outBuf == nil {
		return nil
	}
	return p.outBuf.Bytes()
}

// ErrOutput returns captured stderr, or nil if stderr was not captured.
func (p *Process) ErrOutput() []byte {
	if p.errBuf == nil {
		return nil
	}
	return p.errBuf.Bytes()
}

// Signal delivers sig to the remote command.
func (p *Process) Signal(sig ssh.Signal) error {
	return p.sess.Signal(sig)
}

// Wait blocks until the command exits. A non-zero exit status yields
// *ExitError; an exit without status (killed, channel torn down) yields an
// *ExitError with Status -1.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.sess.Wait()
		close(p.done)
		_ = p.sess.Close()
		p.waitErr = p.convert(err)
	})
	return p.waitErr
}

func (p *Process) convert(err error) error {
	if err == nil {
		return nil
	}
	if cerr := p.ctx.Err(); cerr != nil {
		return xerrors.Errorf("[%s]: %w", shorten(p.command, 160), cerr)
	}

	var exit *ssh.ExitError
	if errors.As(err, &exit) {
		return &ExitError{Command: p.command, Status: exit.ExitStatus(), Stderr: p.ErrOutput()}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return &ExitError{Command: p.command, Status: -1, Stderr: p.ErrOutput()}
	}
	if errors.Is(err, io.EOF) {
		return &ExitError{Command: p.command, Status: -1, Stderr: p.ErrOutput()}
	}
	return xerrors.Errorf("waiting for [%s]: %w", shorten(p.command, 160), err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
