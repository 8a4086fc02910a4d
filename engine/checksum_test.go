package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// md5 of "hello world"
const helloMD5 = "5eb63bbbe01eeed093cb22bb8f5acdc3"

func TestChecksumWriter(t *testing.T) {
	data := []byte("hello world")

	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)

	n, err := cw.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("Expected to write %d bytes, got %d", len(data), n)
	}
	if buf.String() != string(data) {
		t.Errorf("Expected buffer to contain %q, got %q", data, buf.String())
	}
	if cw.Checksum() != helloMD5 {
		t.Errorf("Expected checksum %s, got %s", helloMD5, cw.Checksum())
	}
	if cw.BytesWritten() != int64(len(data)) {
		t.Errorf("Expected %d bytes written, got %d", len(data), cw.BytesWritten())
	}
}

func TestChecksumReader(t *testing.T) {
	cr := NewChecksumReader(strings.NewReader("hello world"))

	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Unexpected data %q", got)
	}
	if cr.Checksum() != helloMD5 {
		t.Errorf("Expected checksum %s, got %s", helloMD5, cr.Checksum())
	}
	if cr.BytesRead() != 11 {
		t.Errorf("Expected 11 bytes read, got %d", cr.BytesRead())
	}
}

func TestChecksumWriterMultipleWrites(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)

	for _, part := range []string{"hello", " ", "world"} {
		if _, err := cw.Write([]byte(part)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if cw.Checksum() != helloMD5 {
		t.Errorf("Expected checksum to be independent of write boundaries, got %s", cw.Checksum())
	}
}

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "P00001.7")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	sum, size, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile failed: %v", err)
	}
	if sum != helloMD5 || size != 11 {
		t.Errorf("Unexpected result %s/%d", sum, size)
	}

	if _, _, err := ChecksumFile(path + ".missing"); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestVerifyChecksum(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		want     bool
	}{
		{"matching", helloMD5, helloMD5, true},
		{"case insensitive", helloMD5, strings.ToUpper(helloMD5), true},
		{"mismatch", helloMD5, "d41d8cd98f00b204e9800998ecf8427e", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyChecksum(tt.actual, tt.expected); got != tt.want {
				t.Errorf("VerifyChecksum(%q, %q) = %v, want %v", tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}
