package engine

import "github.com/franksops/autorec/provider"

// CopyTask is one file to copy from a source provider to a destination
// provider during a Mirror.
type CopyTask struct {
	// ID identifies the task in logs and error reports.
	ID string

	SourcePath      string
	DestinationPath string

	// FileInfo is the source metadata; mode bits and mtime are carried to
	// the destination when it supports them.
	FileInfo provider.FileInfo
}

// TaskChannel queues CopyTasks for the worker pool.
type TaskChannel chan CopyTask
