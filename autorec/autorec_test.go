package autorec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/autorec/config"
	"github.com/franksops/autorec/job"
	"github.com/franksops/autorec/runctx"
)

func TestParseInvocation(t *testing.T) {
	var out bytes.Buffer
	rt := runctx.New(&out)

	inv := ParseInvocation("spiral", []string{"1234", "1", "0", "5555", "7", "1"}, rt)
	assert.Equal(t, 1234, inv.PFile)
	assert.Equal(t, 5555, inv.Exam)
	assert.Equal(t, 7, inv.Series)
	assert.Empty(t, out.String())

	inv = ParseInvocation("spiral", []string{"42"}, rt)
	assert.Equal(t, 42, inv.PFile)
	assert.Equal(t, os.Getpid(), inv.Exam)
	assert.Zero(t, inv.Series)
	assert.Contains(t, out.String(), "Expected 6 arguments!")

	out.Reset()
	inv = ParseInvocation("spiral", []string{"x", "1", "0", "5555", "7", "1"}, rt)
	assert.Zero(t, inv.PFile)
	assert.Contains(t, out.String(), "Unable to parse args")
}

func TestNewRunNaming(t *testing.T) {
	site := config.DefaultSite()
	site.ModDir = "/opt/autorec"
	r := NewRun(site, Invocation{Recon: "spiral", Exam: 12, Series: 3}, time.Date(2023, 12, 1, 8, 0, 0, 0, time.Local))
	r.Hostname = "scanner"

	assert.Contains(t, r.ExamDir, "2023_12_01_12_03_")
	assert.Equal(t, filepath.Join("/opt/autorec/spiral/logs", r.ExamDir), r.WorkDir)
	assert.Equal(t, "/opt/autorec/spiral/job.toml", r.JobPath)
	assert.Equal(t, filepath.Join(r.WorkDir, "Runlog."+strconv.Itoa(os.Getpid())), r.RunlogPath())
}

func TestSettle(t *testing.T) {
	var out bytes.Buffer
	rt := runctx.New(&out)
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	start := time.Now()
	require.NoError(t, Settle(context.Background(), rt, p, 300*time.Millisecond, time.Minute))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Contains(t, out.String(), "Waiting for file ["+p+"] to stop changing.")

	out.Reset()
	require.NoError(t, Settle(context.Background(), rt, p, 300*time.Millisecond, time.Minute))
	assert.Empty(t, out.String())

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, future, future))
	assert.Error(t, Settle(context.Background(), rt, p, time.Second, 100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Settle(ctx, rt, p, time.Second, time.Minute), context.Canceled)

	assert.Error(t, Settle(context.Background(), rt, filepath.Join(t.TempDir(), "missing"), time.Second, time.Second))
}

func TestWriteManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "5555.md5")
	require.NoError(t, WriteManifest(p, map[string]string{
		"b.dat": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"a.dat": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}))
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  a.dat\nbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb  b.dat\n", string(got))
}

func TestLoadJobFallsBackToErrored(t *testing.T) {
	var out bytes.Buffer
	dir := t.TempDir()
	site := config.DefaultSite()
	site.ModDir = dir
	r := NewRun(site, Invocation{Recon: "spiral", Exam: 1}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local))
	r.rt = runctx.New(&out)
	require.NoError(t, os.MkdirAll(filepath.Dir(r.JobPath), 0o755))
	require.NoError(t, os.WriteFile(r.JobPath, []byte("token = [\n"), 0o644))

	j := r.loadJob()
	assert.Equal(t, config.ErroredJobsDir, j.JobsDir)
	assert.Equal(t, "ERROR_20240102_030405", j.Token)
	assert.Equal(t, job.Descriptors{
		r.JobPath:      {RemoteName: "job.toml"},
		r.RunlogPath(): {RemoteName: filepath.Base(r.RunlogPath())},
	}, j.Descriptors())
	assert.Contains(t, out.String(), "Unable to load "+r.JobPath)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o640))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, copyFile(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	assert.Error(t, copyFile(filepath.Join(dir, "missing"), dst))
}
