// Package autorec drives one reconstruction run end to end: it settles and
// sends the inputs, starts the remote job, retrieves the results and hands
// them to the scanner and any remote receivers.
package autorec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/config"
	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/importdir"
	"github.com/franksops/autorec/job"
	"github.com/franksops/autorec/push"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/runctx"
	"github.com/franksops/autorec/store"
	"github.com/franksops/autorec/transfer"
	"github.com/franksops/autorec/ui"
)

var log = logging.Logger("autorec")

// ErrNoConnection is returned after local copies were made because no host
// could be reached.
var ErrNoConnection = errors.New("no reconstruction host reachable; local copies kept")

// IsolateDir is the remote subdirectory results appear in for isolated jobs.
const IsolateDir = "latest"

// Invocation is the scanner's command line.
type Invocation struct {
	Recon string
	Args  []string

	PFile  int
	Exam   int
	Series int
}

// ParseInvocation reads the scanner's positional arguments: P-file number
// first, exam and series fourth and fifth. The exam defaults to the pid.
// Unparsable numbers are reported and left at their defaults.
func ParseInvocation(recon string, args []string, out runctx.Printer) Invocation {
	inv := Invocation{Recon: recon, Args: args, Exam: os.Getpid()}
	if len(args) < 6 {
		out.Printf("Expected 6 arguments!")
	}
	fields := []struct {
		pos int
		dst *int
	}{{0, &inv.PFile}, {3, &inv.Exam}, {4, &inv.Series}}
	for _, f := range fields {
		if f.pos >= len(args) {
			continue
		}
		n, err := strconv.Atoi(args[f.pos])
		if err != nil {
			out.Printf("Unable to parse args as integers; continuing...")
			break
		}
		*f.dst = n
	}
	return inv
}

// Run is one reconstruction run.
type Run struct {
	Site config.Site
	Inv  Invocation

	Start    time.Time
	Hostname string
	// ExamDir names the run: YYYY_MM_DD_<exam>_<series>_<host>.
	ExamDir string
	// WorkDir holds the run log, local copies, the manifest and the ledger.
	WorkDir string
	// JobPath is the job file; it defaults to the recon's job.toml.
	JobPath string

	// Remote is the connection template; it defaults to the site's.
	Remote remote.Config
	// Imports defaults to the site's export path with this process's suffix.
	Imports *importdir.Dirs
	// PushOptions are applied to every pusher the run creates.
	PushOptions []push.Option
	SettleAge   time.Duration
	// FanoutView, when set, shows multi-destination pushes there.
	FanoutView io.Writer

	rt    *runctx.Runtime
	pid   int
	files job.Descriptors
}

// NewRun prepares a run of inv started at start.
func NewRun(site config.Site, inv Invocation, start time.Time) *Run {
	r := &Run{
		Site:      site,
		Inv:       inv,
		Start:     start,
		Hostname:  config.ShortHostname(),
		Remote:    site.Remote(),
		Imports:   site.Imports(),
		SettleAge: DefaultSettleAge,
		pid:       os.Getpid(),
	}
	r.ExamDir = fmt.Sprintf("%s_%d_%02d_%s", start.Format("2006_01_02"), inv.Exam, inv.Series, r.Hostname)
	r.WorkDir = filepath.Join(site.ReconDir(inv.Recon), "logs", r.ExamDir)
	r.JobPath = filepath.Join(site.ReconDir(inv.Recon), config.JobFile)
	return r
}

// RunlogPath is the run log inside the work directory.
func (r *Run) RunlogPath() string {
	return filepath.Join(r.WorkDir, fmt.Sprintf("Runlog.%d", r.pid))
}

// OpenRunlog creates the work directory and opens the run log for
// appending.
func (r *Run) OpenRunlog() (*os.File, error) {
	if err := os.MkdirAll(r.WorkDir, 0o775); err != nil {
		return nil, xerrors.Errorf("failed to create work directory: %w", err)
	}
	return os.OpenFile(r.RunlogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
}

func (r *Run) vars() config.JobVars {
	return config.JobVars{
		Recon:    r.Inv.Recon,
		PFile:    r.Inv.PFile,
		Exam:     r.Inv.Exam,
		Series:   r.Inv.Series,
		ExamDir:  r.ExamDir,
		WorkDir:  r.WorkDir,
		Hostname: r.Hostname,
	}
}

// loadJob loads the job file. A job file that fails to load still sends
// what it can to the errored jobs directory under an ERROR token, together
// with the job file and the run log.
func (r *Run) loadJob() config.Job {
	j, err := config.LoadJob(r.JobPath, r.vars())
	if err == nil {
		return j
	}
	r.rt.Printf("Unable to load %s. Will likely fail soon.\nLoad failed: [%v]", r.JobPath, err)
	log.Errorw("job file failed", "path", r.JobPath, "err", err)

	if j.JobsDir == "" {
		j.JobsDir = config.ErroredJobsDir
	}
	j.Token = r.Start.Format("ERROR_20060102_150405")
	files := j.Files[:0]
	for _, f := range j.Files {
		if f.Local != "" && f.Remote != "" && !(job.IsStream(f.Local) && (f.Copy || f.Delete)) {
			files = append(files, f)
		}
	}
	j.Files = append(files,
		config.File{Local: r.JobPath, Remote: config.JobFile},
		config.File{Local: r.RunlogPath(), Remote: filepath.Base(r.RunlogPath())},
	)
	return j
}

// Execute performs the run, printing progress through rt.
func (r *Run) Execute(ctx context.Context, rt *runctx.Runtime) error {
	r.rt = rt
	rt.Printf("Starting autorec at: %s", r.Start.Format(time.ANSIC))
	rt.Printf("Invocation [%s]\n", strings.Join(append([]string{r.Inv.Recon}, r.Inv.Args...), " "))

	if err := os.MkdirAll(r.WorkDir, 0o775); err != nil {
		return xerrors.Errorf("failed to create work directory: %w", err)
	}
	if _, err := os.Stat(r.JobPath); err != nil {
		return xerrors.Errorf("unable to find recon-specific job file: %w", err)
	}
	if err := r.runHook(ctx, PreHook); err != nil {
		return err
	}

	j := r.loadJob()

	bolt, err := store.NewBoltStore(filepath.Join(r.WorkDir, "ledger.db"))
	if err != nil {
		return xerrors.Errorf("failed to open ledger: %w", err)
	}
	defer bolt.Close()
	tracker := engine.NewTracker(bolt, engine.DefaultCheckpointConfig)

	hosts := r.Site.Hosts
	if len(j.Hosts) > 0 {
		hosts = j.Hosts
	}
	sess, err := job.Connect(ctx, rt, job.Config{
		Hosts:    hosts,
		Remote:   r.Remote,
		Compress: r.Site.Compress,
		Contact:  r.Site.Contact,
		Imports:  r.Imports,
		Tracker:  tracker,
	})
	var connErr *remote.ConnectionError
	switch {
	case errors.As(err, &connErr):
		rt.Printf("\nUnable to make a connection; checking to see if any files should be copied\nlocally for safe keeping before exiting.\n")
		sess = nil
	case err != nil:
		return err
	default:
		defer sess.Close()
	}

	r.files = j.Descriptors()
	if err := r.prepareInputs(ctx, sess == nil); err != nil {
		return err
	}
	if sess == nil {
		rt.Printf("Exiting after local copies created. Please contact %s for manual execution.", r.Site.Contact)
		return fmt.Errorf("%w: %w", ErrNoConnection, connErr)
	}

	if err := r.submit(ctx, sess, j); err != nil {
		return err
	}

	if j.Token != "" {
		start := time.Now()
		outdir := ""
		if j.Isolate {
			outdir = IsolateDir
		}
		if err := sess.StartAndWaitForJob(ctx, j.Token, outdir); err != nil {
			return err
		}
		rt.Printf("Reconstruction time (including checksum): %ds\n", int(time.Since(start).Seconds()))
	} else {
		rt.Printf("No reconstruction requested.")
	}

	if err := r.runHook(ctx, PostHook); err != nil {
		return err
	}

	pusher := push.New(rt, r.Site.Push(r.Imports), r.PushOptions...)
	for _, res := range []struct {
		dir   string
		get   bool
		extra string
	}{{"mip", j.GetMip, j.MipCopy}, {"img", j.GetImg, j.ImgCopy}} {
		if !res.get {
			continue
		}
		if err := r.collect(ctx, sess, pusher, j, res.dir, res.extra); err != nil {
			return err
		}
	}

	if err := job.Cleanup(rt, r.files); err != nil {
		rt.Printf("Unable to remove some inputs: %v", err)
	}
	rt.Printf("\nCompletion: %s", time.Now().Format(time.ANSIC))
	return nil
}

// prepareInputs waits for inputs to settle and makes the requested local
// copies, re-keying each copied entry to its copy. Without a connection
// every file is copied.
func (r *Run) prepareInputs(ctx context.Context, copyAll bool) error {
	runlog := r.RunlogPath()
	for _, key := range r.files.Keys() {
		desc := r.files[key]
		if job.IsStream(key) {
			if desc.Copy || desc.Delete {
				r.rt.Printf("Error: cannot copy or delete stream (fid) files!")
			}
			continue
		}
		if key != runlog {
			if err := Settle(ctx, r.rt, key, r.SettleAge, DefaultSettleTimeout); err != nil {
				return err
			}
		}
		if !desc.Copy && !copyAll {
			continue
		}

		copyName := filepath.Join(r.WorkDir, desc.RemoteName)
		if key == copyName {
			continue
		}
		if err := copyFile(key, copyName); err != nil {
			return &transfer.FileError{Path: key, Err: err}
		}
		r.rt.Printf("Copied %s -> %s", key, copyName)
		delete(r.files, key)
		r.files[copyName] = desc
	}
	return nil
}

// submit sends the inputs and their manifest into the exam directory.
func (r *Run) submit(ctx context.Context, sess *job.Session, j config.Job) error {
	if err := sess.EnterDirectory(ctx, path.Join(j.JobsDir, r.ExamDir), job.EnterOptions{CreateParents: true}); err != nil {
		return err
	}
	r.rt.Printf("\nTransfers starting: %s\n", time.Now().Format(time.ANSIC))

	sums, err := sess.StoreMany(ctx, r.files)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%d.md5", r.Inv.Exam)
	manifest := filepath.Join(r.WorkDir, name)
	if err := WriteManifest(manifest, sums); err != nil {
		return err
	}
	if _, _, err := sess.StoreFile(ctx, manifest, name); err != nil {
		return err
	}
	r.rt.Printf("\nSubmission complete: %s\n", time.Now().Format(time.ANSIC))
	return nil
}

// collect retrieves the result directory dir, pushing it to the scanner as
// it arrives when asked, then to the remote receivers, and finally imports
// it unless the live push already completed.
func (r *Run) collect(ctx context.Context, sess *job.Session, pusher *push.Pusher, j config.Job, dir, extra string) error {
	var cb *transfer.Callback
	if j.Import && j.PushImport {
		local := r.Site.LocalDestination()
		cb = transfer.NewCallback(pusher.CallbackFunc(local), transfer.DefaultCallbackLimit, local.AETitle+" push")
	}

	if err := sess.RetrieveDirectory(ctx, dir, extra, cb); err != nil {
		return err
	}
	r.rt.Printf("\nRetrieval complete: %s\n", time.Now().Format(time.ANSIC))

	if target := j.PushTarget(); target != nil {
		if _, err := r.pushRemote(ctx, pusher, dir, target); err != nil {
			r.rt.Printf("Error pushing to: %v\nContinuing.", push.Flatten(target))
			log.Warnw("remote push failed", "dir", dir, "err", err)
		}
	}

	if !j.Import {
		return nil
	}
	if cb != nil && !cb.Errored() && cb.Completed() {
		r.rt.Printf("Successful import. Removing source directory.")
		if err := sess.RemoveImportDirectory(dir); err != nil {
			r.rt.Printf("Unable to remove %s? Continuing.", r.Imports.Path(dir))
		}
		return nil
	}
	return sess.ImportDirectory(ctx, dir)
}

// pushRemote pushes dir to target, showing the fan-out view when one is
// configured.
func (r *Run) pushRemote(ctx context.Context, pusher *push.Pusher, dir string, target push.Target) (int, error) {
	dests := push.Flatten(target)
	if r.FanoutView == nil || len(dests) < 2 {
		return pusher.PushDirectory(ctx, dir, target, push.SerialHandler)
	}

	labels := make([]string, len(dests))
	for i, d := range dests {
		labels[i] = push.UnitLabel(i, d)
	}
	deadline := time.Now().Add(pusher.Config().MaxPushTime)
	view := ui.StartFanout(ctx, ui.NewFanoutModel(dir, labels, deadline), r.FanoutView)
	defer view.Stop()

	opts := append(append([]push.Option{}, r.PushOptions...), push.WithObserver(push.ViewObserver(view)))
	return push.New(r.rt, pusher.Config(), opts...).PushDirectory(ctx, dir, target, push.SerialHandler)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := engine.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
