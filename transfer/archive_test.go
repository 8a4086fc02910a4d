package transfer

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	link     string
}

func buildArchive(t *testing.T, entries ...entry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: 0o644, Size: int64(len(e.body)), Linkname: e.link}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := io.WriteString(tw, e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestExtractArchive(t *testing.T) {
	dest := t.TempDir()
	archive := buildArchive(t,
		entry{name: "series/", typeflag: tar.TypeDir},
		entry{name: "series/a.dcm", typeflag: tar.TypeReg, body: "alpha"},
		entry{name: "series/b.dcm", typeflag: tar.TypeLink, link: "series/a.dcm"},
		entry{name: "series/latest", typeflag: tar.TypeSymlink, link: "a.dcm"},
	)

	var logBuf bytes.Buffer
	n, err := extractArchive(archive, dest, &logBuf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, err := os.ReadFile(filepath.Join(dest, "series", "b.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	link, err := os.Readlink(filepath.Join(dest, "series", "latest"))
	require.NoError(t, err)
	assert.Equal(t, "a.dcm", link)
	assert.Contains(t, logBuf.String(), "series/a.dcm")
}

func TestExtractArchiveRejectsEscapes(t *testing.T) {
	cases := map[string]entry{
		"parent":   {name: "../evil", typeflag: tar.TypeReg, body: "x"},
		"absolute": {name: "/etc/evil", typeflag: tar.TypeReg, body: "x"},
		"symlink":  {name: "out", typeflag: tar.TypeSymlink, link: "../../etc"},
		"abslink":  {name: "out", typeflag: tar.TypeSymlink, link: "/etc"},
		"hardlink": {name: "out", typeflag: tar.TypeLink, link: "../x"},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			dest := t.TempDir()
			_, err := extractArchive(buildArchive(t, e), dest, io.Discard)
			assert.Error(t, err)
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil"))
		})
	}
}

func TestScanArchiveLog(t *testing.T) {
	n, problems := scanArchiveLog("series/\nseries/a.dcm\n\ntar: series/b.dcm: Cannot stat\nseries/c.dcm\n")
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"tar: series/b.dcm: Cannot stat"}, problems)
}

func TestStageErrorOutputTail(t *testing.T) {
	var out bytes.Buffer
	for i := 0; i < 100; i++ {
		out.WriteString("line\n")
	}
	out.WriteString("last words")

	err := &StageError{Stage: StageExtract, Output: out.String(), Err: io.ErrUnexpectedEOF}
	msg := err.Error()
	assert.Contains(t, msg, "extract stage failed")
	assert.Contains(t, msg, "last words")
	assert.Less(t, bytes.Count([]byte(msg), []byte("\n")), 45)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
