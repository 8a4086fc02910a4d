// Package provider abstracts the storage a retrieved result tree can be
// copied to: the local filesystem or an S3 bucket.
package provider

import (
	"context"
	"io"
	"os"
	"time"

	"golang.org/x/xerrors"
)

// FileInfo is the metadata common to every provider.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// ModeInfo is implemented by FileInfo values that carry permission bits.
type ModeInfo interface {
	Mode() os.FileMode
}

// Provider is a storage backend.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens a file for streaming writes. Metadata is applied on
	// Close where the backend supports it.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)
}

// Open returns the provider for dest and the root path within it. dest is a
// local path or s3://bucket[/prefix].
func Open(ctx context.Context, dest string) (Provider, string, error) {
	bucket, prefix, isS3, err := ParseS3Dest(dest)
	switch {
	case err != nil:
		return nil, "", err
	case isS3:
		p, err := NewS3Provider(ctx, bucket, prefix)
		if err != nil {
			return nil, "", err
		}
		return p, "", nil
	case dest == "":
		return nil, "", xerrors.New("empty destination")
	default:
		return NewLocalProvider(""), dest, nil
	}
}
