package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/franksops/autorec/provider"
)

type mockFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (m mockFileInfo) Name() string       { return m.name }
func (m mockFileInfo) Size() int64        { return m.size }
func (m mockFileInfo) IsDir() bool        { return m.isDir }
func (m mockFileInfo) ModTime() time.Time { return m.modTime }

type mockProvider struct {
	files map[string]mockFileInfo
	dirs  map[string][]mockFileInfo
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		files: make(map[string]mockFileInfo),
		dirs:  make(map[string][]mockFileInfo),
	}
}

func (m *mockProvider) Stat(ctx context.Context, path string) (provider.FileInfo, error) {
	if info, ok := m.files[path]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("file not found: %s", path)
}

func (m *mockProvider) List(ctx context.Context, path string) ([]provider.FileInfo, error) {
	files, ok := m.dirs[path]
	if !ok {
		return nil, fmt.Errorf("directory not found: %s", path)
	}
	res := make([]provider.FileInfo, len(files))
	for i, f := range files {
		res[i] = f
	}
	return res, nil
}

func (m *mockProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockProvider) OpenWrite(ctx context.Context, path string, metadata provider.FileInfo) (io.WriteCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestWalker_Walk(t *testing.T) {
	mp := newMockProvider()

	// /root/file1.txt, /root/dir1/file2.txt, /root/dir1/dir2/file3.txt
	mp.files["/root"] = mockFileInfo{name: "root", isDir: true}
	mp.dirs["/root"] = []mockFileInfo{
		{name: "file1.txt"},
		{name: "dir1", isDir: true},
	}
	mp.dirs["/root/dir1"] = []mockFileInfo{
		{name: "file2.txt"},
		{name: "dir2", isDir: true},
	}
	mp.dirs["/root/dir1/dir2"] = []mockFileInfo{
		{name: "file3.txt"},
	}

	tasks := make(TaskChannel, 10)
	walker := NewWalker(mp, tasks)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := walker.Walk(ctx, "/root", "/dest")
		close(tasks)
		done <- result{n, err}
	}()

	var dests []string
	for task := range tasks {
		dests = append(dests, task.DestinationPath)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Walk failed: %v", res.err)
	}
	if res.n != 3 {
		t.Errorf("Expected 3 queued tasks, got %d", res.n)
	}

	sort.Strings(dests)
	expected := []string{
		"/dest/dir1/dir2/file3.txt",
		"/dest/dir1/file2.txt",
		"/dest/file1.txt",
	}
	if fmt.Sprint(dests) != fmt.Sprint(expected) {
		t.Errorf("Expected %v, got %v", expected, dests)
	}
}

func TestWalker_Walk_SingleFile(t *testing.T) {
	mp := newMockProvider()
	mp.files["/root/file1.txt"] = mockFileInfo{name: "file1.txt"}

	tasks := make(TaskChannel, 1)
	n, err := NewWalker(mp, tasks).Walk(context.Background(), "/root/file1.txt", "/dest/file1.txt")
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 task, got %d", n)
	}

	task := <-tasks
	if task.SourcePath != "/root/file1.txt" || task.DestinationPath != "/dest/file1.txt" {
		t.Errorf("Unexpected task %+v", task)
	}
}

func TestWalker_Walk_MissingRoot(t *testing.T) {
	_, err := NewWalker(newMockProvider(), make(TaskChannel)).Walk(context.Background(), "/nope", "/dest")
	if err == nil {
		t.Fatal("Expected an error for a missing root")
	}
}
