package autorec

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/config"
	"github.com/franksops/autorec/job"
	"github.com/franksops/autorec/push"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/runctx"
	"github.com/franksops/autorec/transfer"
)

// ConnTest options.
type ConnTest struct {
	Site   config.Site
	Remote remote.Config
	// Calls is the number of round trips timed.
	Calls int
	// ProbeSize is the size of the file stored and retrieved.
	ProbeSize int64
	// PushOptions are applied to the pusher of the retrieval test.
	PushOptions []push.Option
}

// ConnTestResult summarizes a connection test.
type ConnTestResult struct {
	Host     string
	Connect  time.Duration
	Calls    int
	PerCall  time.Duration
	Stored   int64
	Checksum string
	// Retrieved is the bytes of test images fetched, if a test directory is
	// set.
	Retrieved int64
}

// Run connects to the site's hosts, times round trips, stores a probe file
// and reads it back. With a test directory and receiver configured it also
// retrieves the test images, pushing each page to the receiver.
func (c ConnTest) Run(ctx context.Context, rt *runctx.Runtime) (ConnTestResult, error) {
	var res ConnTestResult
	if c.Calls <= 0 {
		c.Calls = 20
	}
	if c.ProbeSize <= 0 {
		c.ProbeSize = 1 << 20
	}

	start := time.Now()
	sess, err := job.Connect(ctx, rt, job.Config{
		Hosts:    c.Site.Hosts,
		Remote:   c.Remote,
		Compress: c.Site.Compress,
		Contact:  c.Site.Contact,
	})
	if err != nil {
		return res, err
	}
	defer sess.Close()
	res.Host = sess.Host()
	res.Connect = time.Since(start)
	rt.Printf("Connected to %s in %s", res.Host, res.Connect.Round(time.Millisecond))

	start = time.Now()
	for i := 0; i < c.Calls; i++ {
		if _, err := sess.DirNames(ctx); err != nil {
			return res, err
		}
	}
	elapsed := time.Since(start)
	res.Calls = c.Calls
	res.PerCall = elapsed / time.Duration(c.Calls)
	rt.Printf("%d calls in %.2fs: %.1f calls/s, %s per call", c.Calls, elapsed.Seconds(),
		float64(c.Calls)/max(elapsed.Seconds(), 1e-9), res.PerCall.Round(time.Microsecond))

	if err := c.probe(ctx, rt, sess, &res); err != nil {
		return res, err
	}
	if c.Site.TestDir != "" && c.Site.GoodTest != nil {
		if err := c.retrieve(ctx, rt, sess, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c ConnTest) probe(ctx context.Context, rt *runctx.Runtime, sess *job.Session, res *ConnTestResult) error {
	local, err := os.MkdirTemp("", "autorec-conntest")
	if err != nil {
		return err
	}
	defer os.RemoveAll(local)

	src := filepath.Join(local, "probe")
	data := make([]byte, c.ProbeSize)
	if _, err := rand.Read(data); err != nil {
		return err
	}
	if err := os.WriteFile(src, data, 0o644); err != nil {
		return err
	}

	scratch := fmt.Sprintf("autorec_conntest.%d", os.Getpid())
	if err := sess.EnterDirectory(ctx, scratch, job.EnterOptions{}); err != nil {
		return err
	}
	n, sum, err := sess.StoreFile(ctx, src, "probe")
	if err != nil {
		return err
	}

	back := filepath.Join(local, "probe.back")
	if _, err := sess.GetFile(ctx, "probe", back); err != nil {
		return err
	}
	fi, err := os.Stat(back)
	if err != nil {
		return err
	}
	if fi.Size() != n {
		return xerrors.Errorf("probe came back as %s, sent %s", humanize.Bytes(uint64(fi.Size())), humanize.Bytes(uint64(n)))
	}
	if err := sess.RemoveFile(ctx, "probe"); err != nil {
		return err
	}
	if err := sess.EnterDirectory(ctx, "..", job.EnterOptions{ExistingOnly: true}); err != nil {
		return err
	}
	if err := sess.Transfer().Session().Run(ctx, "rmdir "+remote.Quote(scratch), remote.Streams{}); err != nil {
		log.Warnw("unable to remove scratch directory", "dir", scratch, "err", err)
	}

	res.Stored = n
	res.Checksum = sum
	rt.Printf("Probe of %s stored and retrieved; md5 %s", humanize.Bytes(uint64(n)), sum)
	return nil
}

func (c ConnTest) retrieve(ctx context.Context, rt *runctx.Runtime, sess *job.Session, res *ConnTestResult) error {
	local, err := os.MkdirTemp("", "autorec-conntest-images")
	if err != nil {
		return err
	}
	defer os.RemoveAll(local)

	if err := sess.EnterDirectory(ctx, c.Site.TestDir, job.EnterOptions{ExistingOnly: true}); err != nil {
		return err
	}
	dest := c.Site.GoodTest.Push()
	pusher := push.New(rt, c.Site.Push(nil), c.PushOptions...)
	cb := transfer.NewCallback(pusher.CallbackFunc(dest), 10, "Push to "+dest.String())

	n, err := sess.GetFiles(ctx, job.RetrievePattern, local, cb)
	if err != nil {
		return err
	}
	res.Retrieved = n
	if cb.Errored() {
		return xerrors.Errorf("pushing test images to %s failed", dest)
	}
	return nil
}
