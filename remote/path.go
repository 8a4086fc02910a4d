package remote

import (
	"path"
	"strings"
)

// Resolve returns the absolute remote path that target names when
// interpreted from cwd. Targets starting with "/" are taken relative to base,
// not to the remote filesystem root. The result is always base or one of its
// descendants; anything else yields ErrEscapesBase.
func Resolve(base, cwd, target string) (string, error) {
	base = path.Clean(base)
	if strings.HasPrefix(target, "/") {
		cwd = base
		target = strings.TrimLeft(target, "/")
	}
	resolved := path.Clean(path.Join(cwd, target))
	if !Within(base, resolved) {
		return "", ErrEscapesBase
	}
	return resolved, nil
}

// Within reports whether p is base or lies below it.
func Within(base, p string) bool {
	base = path.Clean(base)
	p = path.Clean(p)
	if base == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every element and joins them with spaces.
func QuoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
