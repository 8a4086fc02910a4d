package remote

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned by every operation on a session whose
	// connection has been closed or lost. Sessions never reconnect.
	ErrNotConnected = errors.New("remote session not connected")

	// ErrEscapesBase is returned when a path resolves outside of the
	// directory a session is confined to.
	ErrEscapesBase = errors.New("path escapes session base directory")
)

// ConnectionError reports that no session could be established.
type ConnectionError struct {
	Hosts []string
	Err   error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("unable to open connection to [%s]", strings.Join(e.Hosts, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExitError is returned when a remote command exits with a non-zero status.
// Stderr holds whatever the command wrote to its private error buffer.
type ExitError struct {
	Command string
	Status  int
	Stderr  []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d: [%s]", e.Status, shorten(e.Command, 160))
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
