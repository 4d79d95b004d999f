package ssh

// copy.go implements file transfer as tar streams over an SSH session: the
// remote side only needs 'tar', which every supported image ships.

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCopyIsDir   = fmt.Errorf("is a directory (copy recursively to include it)")
	ErrCopyArchive = fmt.Errorf("failed to archive local files")
	ErrCopyExtract = fmt.Errorf("failed to extract remote files")
	ErrCopyPath    = fmt.Errorf("path escapes the destination directory")
)

// CopyTo copies 'localPaths' into 'remoteDir', creating it when missing.
// Each path lands under its base name. Directories are only copied when
// 'recursive' is set.
//
// 'ok' is false when the remote side failed, with its diagnostics in
// 'output'.
func (s *Session) CopyTo(ctx context.Context, localPaths []string, remoteDir string, recursive bool) (ok bool, output string, err error) {
	for _, p := range localPaths {
		info, err := os.Stat(p)
		if err != nil {
			return false, "", fmt.Errorf("%w: %w", ErrCopyArchive, err)
		}
		if info.IsDir() && !recursive {
			return false, "", fmt.Errorf("%w: %s", ErrCopyIsDir, p)
		}
	}

	cmd := shellquote.Join("mkdir", "-p", remoteDir) + " && " +
		shellquote.Join("tar", "-x", "-f", "-", "-C", remoteDir)

	pr, pw := io.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		err := writeArchive(pw, localPaths)
		pw.CloseWithError(err)
		return err
	})

	ok, output, err = s.stream(ctx, cmd, pr, io.Discard)
	// The remote side may have stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	if werr := g.Wait(); werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
		return false, output, werr
	}
	if err != nil {
		return false, output, err
	}
	clog.FromContext(ctx).Info("copied files to remote", "paths", localPaths, "remote_dir", remoteDir, "ok", ok)
	return ok, output, nil
}

func writeArchive(w io.Writer, paths []string) error {
	tw := tar.NewWriter(w)
	for _, root := range paths {
		root = filepath.Clean(root)
		base := filepath.Dir(root)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			link := ""
			if info.Mode()&fs.ModeSymlink != 0 {
				if link, err = os.Readlink(p); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if d.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrCopyArchive, err)
		}
	}
	return tw.Close()
}

// globRe matches paths safe to pass to the remote shell unquoted, so globs
// like '*.csv' expand remotely.
var globRe = regexp.MustCompile(`^[A-Za-z0-9_./*?\[\]-]+$`)

func remotePathArg(p string) string {
	if strings.ContainsAny(p, "*?[") && globRe.MatchString(p) {
		return p
	}
	return shellquote.Join(p)
}

// CopyFrom copies 'remotePaths', relative to 'remoteDir', into 'localDir'.
// Remote paths may be globs. Directories are only copied when 'recursive' is
// set.
//
// 'ok' is false when the remote side failed, with its diagnostics in
// 'output'.
func (s *Session) CopyFrom(ctx context.Context, remoteDir string, remotePaths []string, localDir string, recursive bool) (ok bool, output string, err error) {
	args := []string{"tar", "-c", "-f", "-", "-C", remoteDir}
	if !recursive {
		args = append(args, "--no-recursion")
	}
	args = append(args, "--")
	cmd := shellquote.Join(args...)
	for _, p := range remotePaths {
		cmd += " " + remotePathArg(p)
	}

	pr, pw := io.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		err := extractArchive(pr, localDir, recursive)
		// Unblock the remote writer when extraction stops early.
		pr.CloseWithError(err)
		return err
	})

	ok, output, err = s.stream(ctx, cmd, nil, pw)
	pw.CloseWithError(err)
	xerr := g.Wait()
	// A failed stream also fails extraction; report the cause.
	if err != nil {
		return false, output, err
	}
	if xerr != nil {
		return false, output, xerr
	}
	clog.FromContext(ctx).Info("copied files from remote", "paths", remotePaths, "local_dir", localDir, "ok", ok)
	return ok, output, nil
}

func extractArchive(r io.Reader, dir string, recursive bool) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCopyExtract, err)
		}

		name := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: %s", ErrCopyPath, hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if !recursive {
				continue
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %w", ErrCopyExtract, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("%w: %w", ErrCopyExtract, err)
			}
		default:
			// Links and devices are not copied.
			continue
		}
	}
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ListFiles lists 'remoteDir' in long format.
func (s *Session) ListFiles(ctx context.Context, remoteDir string) (ok bool, output string, err error) {
	return s.RunOnce(ctx, shellquote.Join("ls", "-la", remoteDir))
}
