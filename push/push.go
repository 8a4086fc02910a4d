// Package push delivers images to DICOM receivers by running an external
// push command, retrying transient and hard failures and fanning out to many
// receivers under the process-wide push gate.
package push

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/importdir"
	"github.com/franksops/autorec/runctx"
	"github.com/franksops/autorec/ui"
)

var log = logging.Logger("push")

const (
	DefaultCallingAE   = "AUTOREC"
	DefaultSoftDelay   = 5 * time.Second
	DefaultSoftRetries = 12
	DefaultHardDelay   = 60 * time.Second
	DefaultHardRetries = 15
	DefaultMaxPushTime = 20 * time.Minute

	// transientMarker in the command's stderr marks a failure as transient.
	transientMarker = "Transient"
	maxCommandShown = 160
)

// Config describes the push command and its retry policy. Retry budgets are
// used as given; zero disables that kind of retry.
type Config struct {
	Program   string
	CallingAE string
	// FileArgs and DirArgs are argument templates; see DefaultFileArgs.
	FileArgs []string
	DirArgs  []string

	SoftDelay   time.Duration
	SoftRetries int
	HardDelay   time.Duration
	HardRetries int
	// MaxPushTime bounds a whole fan-out.
	MaxPushTime time.Duration

	// LocalOnly refuses every destination that is not this host.
	LocalOnly bool
	// Imports locates the directories PushDirectory sends.
	Imports *importdir.Dirs
}

// DefaultConfig returns the standard push configuration.
func DefaultConfig() Config {
	return Config{
		Program:     DefaultProgram,
		CallingAE:   DefaultCallingAE,
		FileArgs:    DefaultFileArgs,
		DirArgs:     DefaultDirArgs,
		SoftDelay:   DefaultSoftDelay,
		SoftRetries: DefaultSoftRetries,
		HardDelay:   DefaultHardDelay,
		HardRetries: DefaultHardRetries,
		MaxPushTime: DefaultMaxPushTime,
	}
}

func (c Config) withDefaults() Config {
	if c.Program == "" {
		c.Program = DefaultProgram
	}
	if c.CallingAE == "" {
		c.CallingAE = DefaultCallingAE
	}
	if c.FileArgs == nil {
		c.FileArgs = DefaultFileArgs
	}
	if c.DirArgs == nil {
		c.DirArgs = DefaultDirArgs
	}
	if c.MaxPushTime <= 0 {
		c.MaxPushTime = DefaultMaxPushTime
	}
	return c
}

// Pusher runs pushes. It is safe for concurrent use.
type Pusher struct {
	rt       *runctx.Runtime
	cfg      Config
	runner   Runner
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
	hostname string
}

// Option configures a Pusher.
type Option func(*Pusher)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(p *Pusher) { p.runner = r }
}

// WithSleep replaces the retry delay.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pusher) { p.sleep = fn }
}

// WithObserver receives fan-out events.
func WithObserver(o Observer) Option {
	return func(p *Pusher) { p.observer = o }
}

// New creates a Pusher printing through rt.
func New(rt *runctx.Runtime, cfg Config, opts ...Option) *Pusher {
	p := &Pusher{
		rt:     rt,
		cfg:    cfg.withDefaults(),
		runner: ExecRunner{},
		sleep:  sleepCtx,
	}
	p.hostname, _ = os.Hostname()
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pusher) Config() Config { return p.cfg }

// unit identifies the caller of run for events and output.
type unit struct {
	label string
	out   runctx.Printer
}

func (p *Pusher) emit(u unit, e Event) {
	if p.observer == nil || u.label == "" {
		return
	}
	e.Label = u.label
	p.observer.PushEvent(e)
}

// isLocal reports whether ip names this host.
func (p *Pusher) isLocal(ip string) bool {
	switch ip {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	if p.hostname == "" {
		return false
	}
	short, _, _ := strings.Cut(p.hostname, ".")
	return ip == p.hostname || ip == short
}

// run runs argv against dest until it succeeds or the retry budgets are
// spent, and returns the number of lines the command printed.
func (p *Pusher) run(ctx context.Context, u unit, dest Destination, argv []string, failMsg string) (int, error) {
	if p.cfg.LocalOnly && !p.isLocal(dest.IP) {
		return 0, &PushError{Dest: dest, Msg: "REMOTE PUSH DISABLED (dcm.hold exists.) Skipping: " + dest.String()}
	}

	cmdLine := strings.Join(argv, " ")
	soft, hard := p.cfg.SoftRetries, p.cfg.HardRetries
	for attempt := 1; ; attempt++ {
		log.Debugw("push attempt", "dest", dest.AETitle, "attempt", attempt, "cmd", cmdLine)
		res, err := p.runner.Run(ctx, argv)
		if err != nil {
			return 0, &PushError{Dest: dest, Msg: failMsg, Err: err}
		}
		if res.ExitCode == 0 {
			return bytes.Count(res.Stdout, []byte("\n")), nil
		}

		var delay time.Duration
		switch transient := bytes.Contains(res.Stderr, []byte(transientMarker)); {
		case transient && soft > 0:
			u.out.Printf("Transient error. Will retry %s %d times.", dest, soft)
			soft--
			delay = p.cfg.SoftDelay
		case !transient && hard > 0:
			u.out.Printf("%s", ui.Frame(
				fmt.Sprintf("Hard failure during push to %s", dest),
				fmt.Sprintf("Command: [%s]\n%s\nWill retry every %s.\n%d retries remain.",
					truncate(cmdLine, maxCommandShown), formatOutput(res), p.cfg.HardDelay, hard)))
			hard--
			delay = p.cfg.HardDelay
		default:
			u.out.Printf("%s", ui.Frame(
				fmt.Sprintf("Error during DICOM send. Returned [%d]", res.ExitCode),
				formatOutput(res)))
			return 0, &PushError{
				Dest:   dest,
				Msg:    failMsg,
				Output: string(res.Stdout) + string(res.Stderr),
				Err:    xerrors.Errorf("exit status %d after %d attempts", res.ExitCode, attempt),
			}
		}

		p.emit(u, Event{Kind: EventRetry, Dest: dest, Attempt: attempt + 1})
		if err := p.sleep(ctx, delay); err != nil {
			return 0, &PushError{Dest: dest, Msg: failMsg, Output: string(res.Stdout) + string(res.Stderr), Err: err}
		}
	}
}

// PushOne pushes files to dest and returns the number pushed. It fails if
// the receiver reports a different count.
func (p *Pusher) PushOne(ctx context.Context, dest Destination, files []string) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}
	dest = dest.withDefaults()
	argv, err := p.argv(p.cfg.FileArgs, dest, "")
	if err != nil {
		return 0, &PushError{Dest: dest, Msg: "Failed push: " + dest.AETitle, Err: err}
	}
	argv = append(argv, files...)

	pushed, err := p.run(ctx, unit{out: p.rt}, dest, argv, "Failed push: "+dest.AETitle+".")
	if err != nil {
		return 0, err
	}
	if pushed != len(files) {
		return pushed, &PushError{Dest: dest, Msg: fmt.Sprintf("Did not push enough files!? %d of %d to %s", pushed, len(files), dest.AETitle)}
	}
	return pushed, nil
}

// PushFiles pushes files to every destination of target in turn and stops
// at the first failure. It returns the count of the last push.
func (p *Pusher) PushFiles(ctx context.Context, target Target, files []string) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}
	var pushed int
	for _, dest := range Flatten(target) {
		n, err := p.PushOne(ctx, dest, files)
		if err != nil {
			return n, err
		}
		pushed = n
	}
	return pushed, nil
}

// CallbackFunc returns a retrieval callback that pushes every page to
// target.
func (p *Pusher) CallbackFunc(target Target) func(ctx context.Context, files []string) (int, error) {
	return func(ctx context.Context, files []string) (int, error) {
		return p.PushFiles(ctx, target, files)
	}
}

func (p *Pusher) argv(args []string, dest Destination, dir string) ([]string, error) {
	return render(p.cfg.Program, args, argData{
		AETitle:   dest.AETitle,
		IP:        dest.IP,
		Port:      dest.Port,
		CallingAE: p.cfg.CallingAE,
		Dir:       dir,
	})
}

func formatOutput(res Result) string {
	var b strings.Builder
	if out := strings.TrimRight(string(res.Stdout), "\n"); out != "" {
		b.WriteString("stdout:\n" + out + "\n")
	}
	if out := strings.TrimRight(string(res.Stderr), "\n"); out != "" {
		b.WriteString("stderr:\n" + out + "\n")
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
