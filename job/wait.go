package job

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/transfer"
)

// Marker files the remote worker creates.
const (
	ChecksumMarker = "md5_done"
	DoneMarker     = "done"

	tokenTmp = ".sftp_tmp"
)

const waitBanner = `---------------
Files transferred to reconstruction system and verified.
Reconstruction may take up to ten minutes, please be patient.
Should reconstruction fail, the raw data has been stored.
This script will timeout after sixty minutes.
---------------`

// TokenName returns the remote token file name for job: the job name, the
// short local hostname and the pid.
func TokenName(job string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return tokenName(job, host, os.Getpid())
}

func tokenName(job, host string, pid int) string {
	short, _, _ := strings.Cut(host, ".")
	return job + "." + short + "." + strconv.Itoa(pid)
}

// StartAndWaitForJob starts the remote job named token and waits for it to
// finish. The token file is written atomically into the parent of the
// working directory and holds the working directory's name. The worker then
// creates md5_done, in outdir if set, once the inputs are verified, and done
// once the job has finished; both are removed after they appear. With outdir
// set the session is left in outdir. An empty token does nothing.
func (s *Session) StartAndWaitForJob(ctx context.Context, token, outdir string) error {
	if token == "" {
		return nil
	}
	if err := s.check(); err != nil {
		return err
	}

	name := TokenName(token)
	payload := path.Base(s.tr.Cwd()) + "\n"

	s.rt.Printf("Sending session information in ../%s", name)
	cmd := fmt.Sprintf("cd %s && cat > %s && mv %s %s",
		remote.Quote(s.tr.Cwd()), tokenTmp, tokenTmp, remote.Quote("../"+name))
	if err := s.sess.Run(ctx, cmd, remote.Streams{Stdin: strings.NewReader(payload)}); err != nil {
		return transfer.NewSessionError(err, "unable to send ../%s", name)
	}
	log.Infow("job started", "token", name, "dir", s.tr.Cwd())

	s.rt.Printf("Sending files complete; waiting for checksum...")
	if err := s.WaitForFile(ctx, path.Join(outdir, ChecksumMarker), s.cfg.MarkerTimeout, s.cfg.WaitInterval); err != nil {
		return err
	}
	if outdir != "" {
		if err := s.EnterDirectory(ctx, outdir, EnterOptions{ExistingOnly: true}); err != nil {
			return err
		}
	}
	if err := s.RemoveFile(ctx, ChecksumMarker); err != nil {
		return err
	}

	s.rt.Println(waitBanner)

	if err := s.WaitForFile(ctx, DoneMarker, s.cfg.DoneTimeout, s.cfg.WaitInterval); err != nil {
		return err
	}
	return s.RemoveFile(ctx, DoneMarker)
}

// WaitForFile waits up to timeout for name to appear relative to the working
// directory, checking every interval (whole seconds, at least one). The wait
// runs as a single remote shell loop that prints a heartbeat every minute.
func (s *Session) WaitForFile(ctx context.Context, name string, timeout, interval time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}

	script := waitScript(name, timeout, interval)
	log.Debugw("waiting for file", "file", name, "timeout", timeout, "script", script)

	err := s.sess.Run(ctx, "cd "+remote.Quote(s.tr.Cwd())+" && sh -s", remote.Streams{
		Stdin:  strings.NewReader(script),
		Stdout: s.rt,
	})
	if err == nil {
		return nil
	}

	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		s.rt.Printf("Waited for file [%s]; never appeared!\nContact %s for help.", name, s.cfg.Contact)
		return transfer.NewSessionError(err, "file never appeared [%s]", name)
	}
	return transfer.NewSessionError(err, "unable to wait for [%s]", name)
}

func waitScript(name string, timeout, interval time.Duration) string {
	secs := int(math.Round(timeout.Seconds()))
	step := max(1, int(math.Round(interval.Seconds())))

	// The final exit 0 matters: after the loop $? is that of the last
	// command run inside it.
	return fmt.Sprintf(`t=%d
until [ -e %s ]; do
  r=$((t / 60))
  [ $((t %% 60)) -eq 0 ] && date +"%%T: Will wait for $r minutes..."
  sleep %d
  t=$((t - %d))
  [ "$t" -le 0 ] && exit 1
done
exit 0
`, secs, remote.Quote(name), step, step)
}
