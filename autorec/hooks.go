package autorec

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/xerrors"
)

// Hook names looked up in the recon directory.
const (
	PreHook  = "pre"
	PostHook = "post"
)

// hookEnv describes the run to a hook.
func (r *Run) hookEnv() []string {
	return append(os.Environ(),
		"AUTOREC_RECON="+r.Inv.Recon,
		"AUTOREC_PFILE="+strconv.Itoa(r.Inv.PFile),
		"AUTOREC_EXAM="+strconv.Itoa(r.Inv.Exam),
		"AUTOREC_SERIES="+strconv.Itoa(r.Inv.Series),
		"AUTOREC_EXAM_DIR="+r.ExamDir,
		"AUTOREC_WORK_DIR="+r.WorkDir,
	)
}

// runHook runs the executable name from the recon directory, if there is
// one, in the work directory. Its output goes to the console.
func (r *Run) runHook(ctx context.Context, name string) error {
	p := filepath.Join(r.Site.ReconDir(r.Inv.Recon), name)
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("checking %s hook: %w", name, err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		log.Warnw("hook is not executable; skipping", "hook", p)
		return nil
	}

	r.rt.Printf("Executing %s hook...", name)
	cmd := exec.CommandContext(ctx, p, r.Inv.Args...)
	cmd.Dir = r.WorkDir
	cmd.Env = r.hookEnv()
	cmd.Stdout = r.rt
	cmd.Stderr = r.rt
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%s hook failed: %w", name, err)
	}
	return nil
}
