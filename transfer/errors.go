package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/franksops/autorec/remote"
)

var (
	// ErrEscapesBase is returned when a path resolves outside the session
	// base directory.
	ErrEscapesBase = remote.ErrEscapesBase

	// ErrCountMismatch reports that the number of entries archived on the
	// remote side differs from the number extracted locally, or from the
	// number requested.
	ErrCountMismatch = errors.New("count mismatch")

	// ErrCallbackOnDirectory is returned when a callback is supplied for a
	// whole-directory retrieval.
	ErrCallbackOnDirectory = errors.New("callbacks are not supported when transferring a directory")
)

// FileError reports a local file that cannot be opened.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("local file [%s] not accessible: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// RemoteFileError reports a remote entry that does not exist.
type RemoteFileError struct {
	Host string
	Path string
}

func (e *RemoteFileError) Error() string {
	return fmt.Sprintf("remote file [%s] does not exist on %s", e.Path, e.Host)
}

// SessionError is a protocol-level failure. Err carries the cause, e.g.
// ErrEscapesBase, ErrCountMismatch, a *StageError or a *remote.ExitError.
type SessionError struct {
	Msg string
	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "session error: " + e.Msg
	}
	return fmt.Sprintf("session error: %s: %v", e.Msg, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError builds a *SessionError.
func NewSessionError(err error, format string, args ...any) *SessionError {
	return &SessionError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// StageError reports a failed stage of an archive page transfer together
// with everything that stage logged.
type StageError struct {
	Stage  string
	Output string
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + tail(out, 40)
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return "...\n" + strings.Join(lines[len(lines)-n:], "\n")
}
