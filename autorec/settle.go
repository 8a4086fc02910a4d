package autorec

import (
	"context"
	"os"
	"time"

	"golang.org/x/xerrors"

	"github.com/franksops/autorec/runctx"
)

const (
	DefaultSettleAge     = 5 * time.Second
	DefaultSettleTimeout = 10 * time.Minute
)

// Settle waits until path has not been modified for age. It polls at most
// once a second and gives up after timeout.
func Settle(ctx context.Context, out runctx.Printer, path string, age, timeout time.Duration) error {
	wait := func() (time.Duration, error) {
		fi, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		return time.Until(fi.ModTime().Add(age)), nil
	}

	start := time.Now()
	deadline := start.Add(timeout)
	slept := false
	for {
		left, err := wait()
		if err != nil {
			return xerrors.Errorf("settling %s: %w", path, err)
		}
		if left <= 0 {
			break
		}
		if !slept {
			out.Printf("Waiting for file [%s] to stop changing.", path)
			slept = true
		}
		if time.Now().After(deadline) {
			return xerrors.Errorf("file %s still changing after %s", path, timeout)
		}

		t := time.NewTimer(min(left, time.Second))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if slept {
		out.Printf(" waited %.2gs total.", time.Since(start).Seconds())
	}
	return nil
}
