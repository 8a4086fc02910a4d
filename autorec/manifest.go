package autorec

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"golang.org/x/xerrors"
)

// WriteManifest writes sums, keyed by remote name, to path in the format
// md5sum -c reads.
func WriteManifest(path string, sums map[string]string) error {
	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("failed to create manifest: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, name := range names {
		fmt.Fprintf(w, "%s  %s\n", sums[name], name)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return xerrors.Errorf("failed to write manifest: %w", err)
	}
	return f.Close()
}
