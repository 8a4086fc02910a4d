package transfer_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/remote/remotetest"
	"github.com/franksops/autorec/runctx"
	"github.com/franksops/autorec/store"
	"github.com/franksops/autorec/transfer"
)

type fixture struct {
	srv *remotetest.Server
	tr  *transfer.Transfer
	out *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := remotetest.Start(t)
	sess := srv.Dial(t)

	var out bytes.Buffer
	tr, err := transfer.New(context.Background(), sess, runctx.New(&out))
	require.NoError(t, err)
	require.Equal(t, srv.Root, tr.Root())
	return &fixture{srv: srv, tr: tr, out: &out}
}

func (f *fixture) writeRemote(t *testing.T, name, content string) {
	t.Helper()
	p := filepath.Join(f.srv.Root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (f *fixture) series(t *testing.T, dir string, n int) []string {
	t.Helper()
	var names []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img%04d.dcm", i)
		f.writeRemote(t, dir+"/"+name, "pixel data "+name)
		names = append(names, name)
	}
	return names
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRemote(t, "b.dcm", "b")
	f.writeRemote(t, "a.dcm", "a")
	f.writeRemote(t, ".hidden", "h")
	f.writeRemote(t, "sub/inner.dcm", "i")

	names, err := f.tr.FileNames(ctx, transfer.DefaultPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dcm", "b.dcm"}, names)

	names, err = f.tr.FileNames(ctx, transfer.AllPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{".hidden", "a.dcm", "b.dcm"}, names)

	names, err = f.tr.FileNames(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.dcm"}, names)

	// Anchored at the start of the name.
	names, err = f.tr.FileNames(ctx, "dcm")
	require.NoError(t, err)
	assert.Empty(t, names)

	dirs, err := f.tr.DirNames(ctx, transfer.DefaultPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, dirs)

	_, err = f.tr.FileNames(ctx, "(")
	assert.Error(t, err)
}

func TestChdir(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRemote(t, "sub/inner.dcm", "i")

	err := f.tr.Chdir(ctx, "..")
	var sessErr *transfer.SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.ErrorIs(t, err, transfer.ErrEscapesBase)
	assert.Equal(t, f.srv.Root, f.tr.Cwd())

	var missing *transfer.RemoteFileError
	require.ErrorAs(t, f.tr.Chdir(ctx, "nowhere"), &missing)

	require.NoError(t, f.tr.Chdir(ctx, "sub"))
	assert.Equal(t, filepath.Join(f.srv.Root, "sub"), f.tr.Cwd())

	names, err := f.tr.FileNames(ctx, transfer.DefaultPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"inner.dcm"}, names)

	require.NoError(t, f.tr.Chdir(ctx, "/"))
	assert.Equal(t, f.srv.Root, f.tr.Cwd())
}

func TestGetManyFiles(t *testing.T) {
	f := newFixture(t)
	names := f.series(t, "series", 300)
	f.writeRemote(t, "series/notes.txt", "skip me")
	local := filepath.Join(t.TempDir(), "out")

	n, err := f.tr.GetMany(context.Background(), `series/img.*\.dcm`, local, nil)
	require.NoError(t, err)
	// Every archived file costs at least a header and one data block.
	assert.GreaterOrEqual(t, n, int64(300*1024))
	assert.Zero(t, n%512)
	assert.Equal(t, f.srv.Root, f.tr.Cwd())

	entries, err := os.ReadDir(local)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	if diff := cmp.Diff(names, got); diff != "" {
		t.Errorf("retrieved files mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(filepath.Join(local, "img0123.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "pixel data img0123.dcm", string(data))
	assert.Contains(t, f.out.String(), `Retrieved "series/img.*\.dcm": 300 files`)
}

func TestGetManyUncompressed(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 5)
	f.tr.Compress = ""

	n, err := f.tr.GetMany(context.Background(), "series/", t.TempDir(), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(5*1024))
}

func TestGetManyCallbackPages(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 10)
	local := t.TempDir()

	var pages [][]string
	cb := transfer.NewCallback(func(ctx context.Context, files []string) (int, error) {
		for _, p := range files {
			if _, err := os.Stat(p); err != nil {
				return 0, err
			}
		}
		pages = append(pages, files)
		return len(files), nil
	}, 4, "echo")

	n, err := f.tr.GetMany(context.Background(), "series/img", local, cb)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(10*1024))

	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 4)
	assert.Len(t, pages[1], 4)
	assert.Len(t, pages[2], 2)
	assert.Equal(t, filepath.Join(local, "img0000.dcm"), pages[0][0])
	assert.False(t, cb.Errored())
	assert.True(t, cb.Completed())
	assert.Contains(t, f.out.String(), "Performed callback [echo]")
	assert.Contains(t, f.out.String(), "1 2 (4 of 10)\n4 (8 of 10)\n8 (10 of 10)\n")
}

func TestGetManyReportsBytesAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	var content int64
	for i := 0; i < 600; i++ {
		body := fmt.Sprintf("slice %d", i)
		f.writeRemote(t, fmt.Sprintf("series/img%04d.dcm", i), body)
		content += int64(len(body))
	}

	n, err := f.tr.GetMany(context.Background(), "series/", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Greater(t, n, content)
	assert.GreaterOrEqual(t, n, int64(600*1024))

	out := f.out.String()
	assert.Contains(t, out, "1 2 4 8 16 32 64 128 (256 of 600)\n")
	assert.Contains(t, out, "256 (512 of 600)\n")
	assert.Contains(t, out, "512 (600 of 600)\n")
	assert.Contains(t, out, `Retrieved "series/": 600 files`)
}

func TestGetManyCallbackErrorStopsOffering(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 10)
	local := t.TempDir()

	calls := 0
	cb := transfer.NewCallback(func(ctx context.Context, files []string) (int, error) {
		calls++
		return len(files) - 1, nil
	}, 4, "push")

	n, err := f.tr.GetMany(context.Background(), "series/", local, cb)
	require.NoError(t, err)
	assert.Positive(t, n)

	assert.Equal(t, 1, calls)
	assert.True(t, cb.Errored())
	assert.True(t, cb.Completed())
	assert.Contains(t, f.out.String(), "Error in callback [push]")
	assert.Contains(t, f.out.String(), "Attempted callback [push]")

	entries, err := os.ReadDir(local)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestGetManyCallbackError(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 3)

	cb := transfer.NewCallback(func(ctx context.Context, files []string) (int, error) {
		return 0, errors.New("receiver offline")
	}, 0, "push")
	assert.Equal(t, transfer.DefaultCallbackLimit, cb.Limit())

	_, err := f.tr.GetMany(context.Background(), "series/", t.TempDir(), cb)
	require.NoError(t, err)
	assert.True(t, cb.Errored())
	assert.Contains(t, f.out.String(), "receiver offline")
}

func TestGetManyZeroMatches(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 2)
	local := filepath.Join(t.TempDir(), "never")

	_, err := f.tr.GetMany(context.Background(), `series/.*\.sdcopen`, local, nil)
	var missing *transfer.RemoteFileError
	require.ErrorAs(t, err, &missing)
	assert.NoDirExists(t, local)

	_, err = f.tr.GetMany(context.Background(), "absent/", local, nil)
	require.ErrorAs(t, err, &missing)
}

func TestGetManyWholeDirectory(t *testing.T) {
	f := newFixture(t)
	f.series(t, "exam/series", 3)
	f.writeRemote(t, "exam/series/nested/deep.dcm", "deep")
	local := t.TempDir()

	n, err := f.tr.GetMany(context.Background(), "exam/series", local, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(4*1024))
	assert.FileExists(t, filepath.Join(local, "series", "img0002.dcm"))
	assert.FileExists(t, filepath.Join(local, "series", "nested", "deep.dcm"))
	assert.Contains(t, f.out.String(), `Retrieved "exam/series" directory`)

	cb := transfer.NewCallback(func(ctx context.Context, files []string) (int, error) {
		return len(files), nil
	}, 4, "echo")
	_, err = f.tr.GetMany(context.Background(), "exam/series", local, cb)
	assert.ErrorIs(t, err, transfer.ErrCallbackOnDirectory)
}

func TestGetManyCountMismatch(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 4)
	// The archive is discarded on the remote side while tar still lists
	// every entry it read.
	f.tr.Compress = "cat > /dev/null; printf '' | gzip -1"

	_, err := f.tr.GetMany(context.Background(), "series/", t.TempDir(), nil)
	var sessErr *transfer.SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.ErrorIs(t, err, transfer.ErrCountMismatch)
}

func TestGetManyRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.series(t, "series", 2)
	f.tr.Compress = "gzip -1; exit 4"

	_, err := f.tr.GetMany(context.Background(), "series/", t.TempDir(), nil)
	var stage *transfer.StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, transfer.StageRemote, stage.Stage)
}

func TestGetOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeRemote(t, "results/recon.log", "recon finished\n")
	local := filepath.Join(t.TempDir(), "recon.log")

	n, sum, err := f.tr.GetOne(ctx, "results/recon.log", local, transfer.GetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, len("recon finished\n"), n)
	assert.Equal(t, md5hex("recon finished\n"), sum)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "recon finished\n", string(data))

	var missing *transfer.RemoteFileError
	_, _, err = f.tr.GetOne(ctx, "results/absent.log", local, transfer.GetOptions{})
	require.ErrorAs(t, err, &missing)

	var sessErr *transfer.SessionError
	_, _, err = f.tr.GetOne(ctx, "results/absent.log", local, transfer.GetOptions{SkipExistCheck: true})
	require.ErrorAs(t, err, &sessErr)

	var fileErr *transfer.FileError
	_, _, err = f.tr.GetOne(ctx, "results/recon.log", filepath.Join(t.TempDir(), "no", "such", "dir"), transfer.GetOptions{})
	require.ErrorAs(t, err, &fileErr)
}

func TestPutOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bolt, err := store.NewBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	f.tr.Tracker = engine.NewTracker(bolt, engine.DefaultCheckpointConfig)

	content := bytes.Repeat([]byte("raw scanner data "), 4096)
	local := filepath.Join(t.TempDir(), "P12345.7")
	require.NoError(t, os.WriteFile(local, content, 0o644))

	n, sum, err := f.tr.PutOne(ctx, local, "P12345.7", transfer.PutOptions{RecordID: "P12345.7"})
	require.NoError(t, err)
	assert.EqualValues(t, len(content), n)
	assert.Equal(t, md5hex(string(content)), sum)

	remoteData, err := os.ReadFile(filepath.Join(f.srv.Root, "P12345.7"))
	require.NoError(t, err)
	assert.Equal(t, content, remoteData)
	assert.Contains(t, f.out.String(), "Store ["+local+" #"+strings.ToUpper(sum[:8])+"] -> [P12345.7]")

	rec, err := bolt.GetRecord("P12345.7")
	require.NoError(t, err)
	assert.Equal(t, store.StateStored, rec.State)
	assert.Equal(t, sum, rec.Checksum)
	assert.EqualValues(t, len(content), rec.BytesTransferred)
}

func TestPutOneFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var fileErr *transfer.FileError
	_, _, err := f.tr.PutOne(ctx, filepath.Join(t.TempDir(), "absent"), "x", transfer.PutOptions{})
	require.ErrorAs(t, err, &fileErr)

	local := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o644))

	_, _, err = f.tr.PutOne(ctx, local, "../outside", transfer.PutOptions{})
	assert.ErrorIs(t, err, transfer.ErrEscapesBase)

	var sessErr *transfer.SessionError
	_, _, err = f.tr.PutOne(ctx, local, "missing-dir/data", transfer.PutOptions{})
	require.ErrorAs(t, err, &sessErr)
}

func TestPutReaderUnknownSize(t *testing.T) {
	f := newFixture(t)

	n, sum, err := f.tr.PutReader(context.Background(), bytes.NewReader([]byte("streamed")), -1, "stdin", "streamed.txt", transfer.PutOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)
	assert.Equal(t, md5hex("streamed"), sum)
}
