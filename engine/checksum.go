package engine

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Checksums are MD5 so they can be checked remotely with `md5sum -c`.

// ChecksumWriter wraps an io.Writer to compute a checksum while writing.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

// NewChecksumWriter creates a ChecksumWriter that wraps w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, hash: md5.New()}
}

// Write writes data to the underlying writer and updates the checksum.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += int64(n)
		cw.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the hex digest of everything written so far.
func (cw *ChecksumWriter) Checksum() string {
	return hex.EncodeToString(cw.hash.Sum(nil))
}

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}

// ChecksumReader wraps an io.Reader to compute a checksum while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash
	n    int64
}

// NewChecksumReader creates a ChecksumReader that wraps r.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, hash: md5.New()}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the hex digest of everything read so far.
func (cr *ChecksumReader) Checksum() string {
	return hex.EncodeToString(cr.hash.Sum(nil))
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumFile returns the hex digest and size of the file at path.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	cr := NewChecksumReader(f)
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return "", 0, xerrors.Errorf("failed to checksum %s: %w", path, err)
	}
	return cr.Checksum(), cr.BytesRead(), nil
}

// VerifyChecksum compares two hex digests, ignoring case.
func VerifyChecksum(actual, expected string) bool {
	return actual != "" && strings.EqualFold(actual, expected)
}
