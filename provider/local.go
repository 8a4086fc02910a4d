package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }
func (l *localFileInfo) Mode() os.FileMode  { return l.mode }

// WrapOSFileInfo converts an os.FileInfo, keeping its permission bits.
func WrapOSFileInfo(info os.FileInfo) FileInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
		mode:    info.Mode().Perm(),
	}
}

// LocalProvider implements Provider on the local filesystem.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a LocalProvider rooted at basePath. With an empty
// basePath, paths are used as given; otherwise every path stays inside it.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

// resolve clamps path below basePath: ".." never climbs above it.
func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean("/"+path))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := p.resolve(path)
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := p.resolve(path)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		// Follow symlinks so linked result files are copied as files
		info, err := os.Stat(filepath.Join(full, entry.Name()))
		if err != nil {
			continue
		}
		infos = append(infos, WrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := p.resolve(path)
	return os.Open(full)
}

func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := p.resolve(path)

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}

	mode := os.FileMode(0644)
	if m, ok := metadata.(ModeInfo); ok && m.Mode() != 0 {
		mode = m.Mode()
	}

	file, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}
	return &localWriteCloser{File: file, fullPath: full, metadata: metadata, mode: mode}, nil
}

// localWriteCloser syncs the file and applies mode and mtime on Close.
type localWriteCloser struct {
	*os.File
	fullPath string
	metadata FileInfo
	mode     os.FileMode
}

func (l *localWriteCloser) Close() error {
	if err := l.File.Sync(); err != nil {
		_ = l.File.Close()
		return err
	}
	if err := l.File.Close(); err != nil {
		return err
	}

	// umask may have masked the requested bits
	_ = os.Chmod(l.fullPath, l.mode)

	if l.metadata != nil && !l.metadata.ModTime().IsZero() {
		_ = os.Chtimes(l.fullPath, time.Now(), l.metadata.ModTime())
	}
	return nil
}
