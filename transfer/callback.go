package transfer

import "context"

// DefaultCallbackLimit is the page size used when a Callback is built with
// a non-positive limit.
const DefaultCallbackLimit = 512

// CallbackFunc processes one page of retrieved files, given as local paths.
// It returns how many of them it handled; anything other than len(files) is
// treated as an error.
type CallbackFunc func(ctx context.Context, files []string) (int, error)

// Callback is handed to GetMany to process files page by page while the
// rest are still being retrieved. Its function, limit and label are fixed at
// construction; only the transfer engine sets Errored and Completed.
//
// Completed becomes true once every page has been retrieved, even when an
// earlier page errored and later pages were no longer offered. Check Errored
// before treating Completed as success.
type Callback struct {
	fn    CallbackFunc
	limit int
	label string

	errored   bool
	completed bool
}

// NewCallback creates a Callback.
func NewCallback(fn CallbackFunc, limit int, label string) *Callback {
	if limit <= 0 {
		limit = DefaultCallbackLimit
	}
	return &Callback{fn: fn, limit: limit, label: label}
}

func (c *Callback) Limit() int      { return c.limit }
func (c *Callback) Label() string   { return c.label }
func (c *Callback) Errored() bool   { return c.errored }
func (c *Callback) Completed() bool { return c.completed }

func (c *Callback) reset() {
	c.errored = false
	c.completed = false
}
