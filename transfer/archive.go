package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/engine"
	"github.com/franksops/autorec/remote"
)

// maxPageNames bounds the names passed to one remote archive command.
const maxPageNames = 256

// Stages of an archive page transfer.
const (
	StageRemote     = "remote archive"
	StageDecompress = "decompress"
	StageExtract    = "extract"
)

// getPage streams names (relative to dir) from the remote host as one
// archive and extracts it into localDir. It returns the number of
// uncompressed bytes received. whole is set when names is a single
// directory selected as a whole.
func (t *Transfer) getPage(ctx context.Context, dir string, names []string, localDir string, whole bool) (int64, error) {
	if len(names) > maxPageNames {
		var total int64
		for start := 0; start < len(names); start += maxPageNames {
			end := min(start+maxPageNames, len(names))
			n, err := t.getPage(ctx, dir, names[start:end], localDir, whole)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}

	cmd := "tar -C " + remote.Quote(dir) + " -vcf- " + remote.QuoteAll(names)
	compressed := t.Compress != ""
	if compressed {
		cmd += " | " + t.Compress
	}

	g, gctx := errgroup.WithContext(ctx)

	var remoteLog bytes.Buffer
	proc, err := t.sess.Start(gctx, cmd, remote.Streams{PipeStdout: true, Stderr: &remoteLog})
	if err != nil {
		return 0, NewSessionError(err, "unable to start archive of %d entries in [%s]", len(names), dir)
	}
	log.Debugw("archive page", "dir", dir, "names", len(names), "whole", whole)

	pr, pw := io.Pipe()
	var (
		decodeLog  strings.Builder
		extractLog strings.Builder
		received   int64
		extracted  int
		archived   int
		remoteErr  error
	)

	g.Go(func() error {
		err := proc.Wait()
		var problems []string
		archived, problems = scanArchiveLog(remoteLog.String())
		if err == nil && len(problems) > 0 {
			err = xerrors.Errorf("%d archive errors", len(problems))
		}
		if err != nil {
			remoteErr = &StageError{Stage: StageRemote, Output: remoteLog.String(), Err: err}
		}
		return remoteErr
	})

	g.Go(func() error {
		var src io.Reader = proc.StdoutPipe()
		if compressed {
			zr, err := gzip.NewReader(src)
			if err != nil {
				pw.CloseWithError(err)
				fmt.Fprintf(&decodeLog, "reading gzip header: %v\n", err)
				return &StageError{Stage: StageDecompress, Output: decodeLog.String(), Err: err}
			}
			defer zr.Close()
			src = zr
		}
		cr := &countingReader{r: src}
		_, err := engine.Copy(pw, cr)
		received = cr.n
		if err != nil {
			pw.CloseWithError(err)
			fmt.Fprintf(&decodeLog, "after %d bytes: %v\n", cr.n, err)
			return &StageError{Stage: StageDecompress, Output: decodeLog.String(), Err: err}
		}
		return pw.Close()
	})

	g.Go(func() error {
		n, err := extractArchive(pr, localDir, &extractLog)
		extracted = n
		if err != nil {
			pr.CloseWithError(err)
			return &StageError{Stage: StageExtract, Output: extractLog.String(), Err: err}
		}
		// Trailing padding after the end-of-archive marker.
		_, _ = io.Copy(io.Discard, pr)
		return nil
	})

	if err := g.Wait(); err != nil {
		// Report the remote side unless it was only cancelled.
		if remoteErr != nil && !errors.Is(remoteErr, context.Canceled) {
			err = remoteErr
		}
		return received, NewSessionError(err, "unable to retrieve %d entries from [%s]", len(names), dir)
	}

	if archived != extracted {
		return received, NewSessionError(ErrCountMismatch, "remote archived %d entries but %d were extracted", archived, extracted)
	}
	if !whole && extracted != len(names) {
		return received, NewSessionError(ErrCountMismatch, "requested %d files but %d were extracted", len(names), extracted)
	}
	return received, nil
}

// scanArchiveLog splits tar's verbose output into the number of archived
// entries and any diagnostics tar reported.
func scanArchiveLog(s string) (int, []string) {
	var entries int
	var problems []string
	for _, line := range strings.Split(s, "\n") {
		switch {
		case strings.TrimSpace(line) == "":
		case strings.HasPrefix(line, "tar: "):
			problems = append(problems, line)
		default:
			entries++
		}
	}
	return entries, problems
}

// extractArchive unpacks a tar stream below dest and returns the number of
// entries it contained. Entries that would land outside dest are rejected.
func extractArchive(r io.Reader, dest string, logw io.Writer) (int, error) {
	tr := tar.NewReader(r)
	var n int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, xerrors.Errorf("reading archive header: %w", err)
		}

		target, err := localTarget(dest, hdr.Name)
		if err != nil {
			return n, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return n, xerrors.Errorf("creating directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return n, err
			}
		case tar.TypeSymlink:
			linkTarget := filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname))
			if filepath.IsAbs(hdr.Linkname) || !within(dest, linkTarget) {
				return n, xerrors.Errorf("symlink %s -> %s leaves %s", hdr.Name, hdr.Linkname, dest)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return n, xerrors.Errorf("creating directory: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return n, xerrors.Errorf("creating symlink: %w", err)
			}
		case tar.TypeLink:
			source, err := localTarget(dest, hdr.Linkname)
			if err != nil {
				return n, err
			}
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return n, xerrors.Errorf("creating hard link: %w", err)
			}
		default:
			fmt.Fprintf(logw, "skipped %s (type %c)\n", hdr.Name, hdr.Typeflag)
			n++
			continue
		}
		fmt.Fprintln(logw, hdr.Name)
		n++
	}
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return xerrors.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return xerrors.Errorf("creating file: %w", err)
	}
	if _, err := engine.Copy(f, r); err != nil {
		_ = f.Close()
		return xerrors.Errorf("writing %s: %w", target, err)
	}
	return f.Close()
}

func localTarget(dest, name string) (string, error) {
	rel := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if rel == "" {
		rel = "."
	}
	if !filepath.IsLocal(rel) {
		return "", xerrors.Errorf("archive entry %q: %w", name, ErrEscapesBase)
	}
	return filepath.Join(dest, rel), nil
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	return err == nil && filepath.IsLocal(rel)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
