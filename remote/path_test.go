package remote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	const base = "/data/jobs"

	cases := []struct {
		name   string
		cwd    string
		target string
		want   string
		err    error
	}{
		{name: "relative", cwd: base, target: "scan1", want: "/data/jobs/scan1"},
		{name: "nested", cwd: "/data/jobs/a", target: "b/c", want: "/data/jobs/a/b/c"},
		{name: "dot", cwd: "/data/jobs/a", target: ".", want: "/data/jobs/a"},
		{name: "up within base", cwd: "/data/jobs/a/b", target: "../c", want: "/data/jobs/a/c"},
		{name: "up to base", cwd: "/data/jobs/a", target: "..", want: base},
		{name: "rooted is base relative", cwd: "/data/jobs/a", target: "/x", want: "/data/jobs/x"},
		{name: "many leading slashes", cwd: "/data/jobs/a", target: "////x/y", want: "/data/jobs/x/y"},
		{name: "rooted root", cwd: "/data/jobs/a", target: "/", want: base},
		{name: "escape", cwd: base, target: "..", err: ErrEscapesBase},
		{name: "rooted escape", cwd: "/data/jobs/a", target: "/../etc", err: ErrEscapesBase},
		{name: "sibling prefix", cwd: base, target: "../jobsX", err: ErrEscapesBase},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(base, tc.cwd, tc.target)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveNeverEscapes(t *testing.T) {
	const base = "/srv/base"
	for n := 1; n < 12; n++ {
		for _, prefix := range []string{"", "/", "///"} {
			target := prefix + strings.Repeat("../", n) + "etc/passwd"
			got, err := Resolve(base, "/srv/base/a/b/c", target)
			if err != nil {
				assert.ErrorIs(t, err, ErrEscapesBase)
				continue
			}
			assert.True(t, Within(base, got), "resolved %q to %q", target, got)
		}
	}
}

func TestWithinRootBase(t *testing.T) {
	assert.True(t, Within("/", "/anything"))
	assert.True(t, Within("/a", "/a"))
	assert.False(t, Within("/a", "/ab"))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, Quote("plain"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
	assert.Equal(t, `'a' 'b c'`, QuoteAll([]string{"a", "b c"}))
}
