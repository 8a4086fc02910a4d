// Package remotetest runs an in-process SSH server that executes commands
// with the local /bin/sh, rooted in a temporary directory. It lets the
// remote, job and transfer packages be tested end to end without a real
// remote host.
package remotetest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/franksops/autorec/remote"
)

// Server is a pure Go SSH server for testing.
type Server struct {
	// Root is the working directory of every command the server runs.
	Root      string
	ClientKey ssh.Signer
	Port      int

	listener net.Listener
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	once  sync.Once
}

// Start creates and starts a server rooted in a fresh temp directory. The
// test is skipped in -short mode or when sh is unavailable. The server is
// stopped on test cleanup.
func Start(t testing.TB) *Server {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping ssh server test in short mode")
	}
	for _, tool := range []string{"sh", "tar", "gzip"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientKey, err := ssh.NewSignerFromKey(clientPriv)
	require.NoError(t, err)
	clientSSHPub, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		Root:      t.TempDir(),
		ClientKey: clientKey,
		Port:      listener.Addr().(*net.TCPAddr).Port,
		listener:  listener,
		conns:     make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop(config)

	t.Cleanup(s.Stop)
	return s
}

// Config returns a remote.Config that authenticates against this server.
func (s *Server) Config() remote.Config {
	return remote.Config{
		Host:           "127.0.0.1",
		User:           "tester",
		Port:           s.Port,
		Signer:         s.ClientKey,
		ConnectTimeout: 5 * time.Second,
	}
}

// Dial connects a session to the server; it is closed on test cleanup.
func (s *Server) Dial(t testing.TB) *remote.Session {
	t.Helper()
	sess, err := remote.Dial(context.Background(), s.Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// Stop closes the listener and every open connection, then waits for all
// handlers to return.
func (s *Server) Stop() {
	s.once.Do(func() {
		_ = s.listener.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

func (s *Server) acceptLoop(config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn, config)
	}
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer func() {
		_ = netConn.Close()
		s.mu.Lock()
		delete(s.conns, netConn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer func() { _ = sshConn.Close() }()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		s.wg.Add(1)
		go s.handleChannel(newChannel)
	}
}

func (s *Server) handleChannel(newChannel ssh.NewChannel) {
	defer s.wg.Done()

	if newChannel.ChannelType() != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer func() { _ = channel.Close() }()

	var (
		cmd     *exec.Cmd
		started bool
	)
	exited := make(chan struct{})

	for req := range requests {
		switch req.Type {
		case "exec":
			if started {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			cmd = s.startExec(channel, req, exited)
		case "signal":
			var sigReq struct{ Signal string }
			if err := ssh.Unmarshal(req.Payload, &sigReq); err == nil && cmd != nil && cmd.Process != nil {
				if sig, ok := signals[sigReq.Signal]; ok {
					_ = syscall.Kill(-cmd.Process.Pid, sig)
				}
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}

	// The client tore the channel down; make sure nothing is left running.
	if cmd != nil && cmd.Process != nil {
		select {
		case <-exited:
		default:
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-exited
		}
	}
}

var signals = map[string]syscall.Signal{
	string(ssh.SIGHUP):  syscall.SIGHUP,
	string(ssh.SIGINT):  syscall.SIGINT,
	string(ssh.SIGQUIT): syscall.SIGQUIT,
	string(ssh.SIGKILL): syscall.SIGKILL,
	string(ssh.SIGTERM): syscall.SIGTERM,
	string(ssh.SIGUSR1): syscall.SIGUSR1,
}

func (s *Server) startExec(channel ssh.Channel, req *ssh.Request, exited chan struct{}) *exec.Cmd {
	var execReq struct{ Command string }
	if err := ssh.Unmarshal(req.Payload, &execReq); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		close(exited)
		return nil
	}

	cmd := exec.Command("sh", "-c", execReq.Command)
	cmd.Dir = s.Root
	cmd.Env = os.Environ()
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		close(exited)
		return nil
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}

	go func() {
		_, _ = io.Copy(stdin, channel)
		_ = stdin.Close()
	}()

	go func() {
		defer close(exited)

		err := cmd.Wait()
		status := 0
		if err != nil {
			status = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = exitErr.ExitCode()
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					status = 128 + int(ws.Signal())
				}
			}
		}

		exitStatus := struct{ Status uint32 }{uint32(status)}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatus))
		_ = channel.CloseWrite()
		_ = channel.Close()
	}()

	return cmd
}
