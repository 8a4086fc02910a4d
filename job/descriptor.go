package job

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/runctx"
)

// Descriptor says where a local input goes and what happens to it locally.
type Descriptor struct {
	// RemoteName is the name relative to the remote working directory.
	RemoteName string
	// Copy asks for a copy into the local work directory before sending.
	Copy bool
	// Delete asks for the local file to be deleted once the run succeeds.
	// It is cleared for every entry that fails to store.
	Delete bool
}

// Descriptors maps a local identity to its Descriptor. The identity is a
// path, or an all-digit string naming an open file descriptor.
type Descriptors map[string]Descriptor

// IsStream reports whether key names an open file descriptor.
func IsStream(key string) bool {
	if key == "" {
		return false
	}
	_, err := strconv.ParseUint(key, 10, 31)
	return err == nil
}

// Validate rejects entries without a remote name and stream entries that
// ask for a copy or deletion.
func (d Descriptors) Validate() error {
	var errs *multierror.Error
	for _, key := range d.Keys() {
		desc := d[key]
		if desc.RemoteName == "" {
			errs = multierror.Append(errs, xerrors.Errorf("%s: no remote name", key))
		}
		if IsStream(key) && (desc.Copy || desc.Delete) {
			errs = multierror.Append(errs, xerrors.Errorf("%s: streams cannot be copied or deleted", key))
		}
	}
	return errs.ErrorOrNil()
}

// Keys returns the local identities in sorted order.
func (d Descriptors) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// openStream returns the open file behind a stream key.
func openStream(key string) (*os.File, error) {
	fd, err := strconv.ParseUint(key, 10, 31)
	if err != nil {
		return nil, xerrors.Errorf("not a descriptor: %q", key)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("fd%d", fd))
	if f == nil {
		return nil, xerrors.Errorf("invalid descriptor %d", fd)
	}
	return f, nil
}

// Cleanup deletes every local file whose Delete flag is set.
func Cleanup(out runctx.Printer, files Descriptors) error {
	var errs *multierror.Error
	for _, key := range files.Keys() {
		if !files[key].Delete || IsStream(key) {
			continue
		}
		out.Printf("Deleting file [%s]", key)
		if err := os.Remove(key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
