// Package runctx holds the process-wide runtime shared by every component of
// a run: the operator console, the push concurrency gate and debug flags.
// A Runtime is constructed once at startup and lives for the process.
package runctx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"
)

// DefaultPushConcurrency bounds in-flight pushes across the process.
const DefaultPushConcurrency = 6

// Printer writes operator-facing progress lines.
type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
}

// Debug holds the debug switches read from the environment.
type Debug struct {
	// Remote traces every remote command (SSH_DEBUG).
	Remote bool
	// Job traces job and push orchestration (RT_DEBUG).
	Job bool
}

// DebugFromEnv reads SSH_DEBUG and RT_DEBUG; any non-empty value enables.
func DebugFromEnv() Debug {
	return Debug{
		Remote: os.Getenv("SSH_DEBUG") != "",
		Job:    os.Getenv("RT_DEBUG") != "",
	}
}

// Runtime is the shared run context. Every write to its console is
// serialized by one mutex.
type Runtime struct {
	mu  sync.Mutex
	out io.Writer

	gate     *semaphore.Weighted
	gateSize int64

	Debug Debug
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPushConcurrency sets the push gate capacity.
func WithPushConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.gateSize = int64(n)
		}
	}
}

// WithDebug sets the debug switches and raises the matching log levels.
func WithDebug(d Debug) Option {
	return func(r *Runtime) { r.Debug = d }
}

// New creates a Runtime printing to out.
func New(out io.Writer, opts ...Option) *Runtime {
	r := &Runtime{out: out, gateSize: DefaultPushConcurrency}
	for _, o := range opts {
		o(r)
	}
	r.gate = semaphore.NewWeighted(r.gateSize)

	if r.Debug.Remote {
		_ = logging.SetLogLevel("remote", "debug")
		_ = logging.SetLogLevel("transfer", "debug")
	}
	if r.Debug.Job {
		_ = logging.SetLogLevel("job", "debug")
		_ = logging.SetLogLevel("push", "debug")
	}
	return r
}

// Printf writes one formatted line. A trailing newline is added if missing.
func (r *Runtime) Printf(format string, args ...any) {
	r.write("", fmt.Sprintf(format, args...))
}

// Println writes its operands as one line.
func (r *Runtime) Println(args ...any) {
	r.write("", fmt.Sprintln(args...))
}

// Write implements io.Writer; the whole buffer is written under the lock.
func (r *Runtime) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

func (r *Runtime) write(prefix, msg string) {
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	if prefix != "" {
		var b bytes.Buffer
		for _, line := range bytes.SplitAfter([]byte(msg), []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			b.WriteString(prefix)
			b.Write(line)
		}
		msg = b.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.out, msg)
}

// Labeled returns a Printer that prefixes every line with "[label] ". It is
// used by fan-out units so interleaved output stays attributable.
func (r *Runtime) Labeled(label string) Printer {
	return &labeled{rt: r, prefix: "[" + label + "] "}
}

type labeled struct {
	rt     *Runtime
	prefix string
}

func (l *labeled) Printf(format string, args ...any) {
	l.rt.write(l.prefix, fmt.Sprintf(format, args...))
}

func (l *labeled) Println(args ...any) {
	l.rt.write(l.prefix, fmt.Sprintln(args...))
}

// AcquirePush blocks until a push slot is free or ctx is done.
func (r *Runtime) AcquirePush(ctx context.Context) error {
	return r.gate.Acquire(ctx, 1)
}

// ReleasePush frees a slot taken by AcquirePush.
func (r *Runtime) ReleasePush() {
	r.gate.Release(1)
}

// PushConcurrency returns the gate capacity.
func (r *Runtime) PushConcurrency() int {
	return int(r.gateSize)
}
