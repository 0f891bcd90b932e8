package instance

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"ciel/internal/cielerr"
)

// opaqueXattr is the overlayfs xattr marking a directory in the upper
// layer as "opaque": its contents fully replace whatever the same path
// holds in lower layers, rather than merging with it.
const opaqueXattr = "trusted.overlay.opaque"

// Commit merges one instance's upper layer into the shared Base,
// upper-wins, honoring whiteouts and directory opacity, then clears the
// upper layer. Precondition: Unmounted (§4.5.1/§4.5.2).
func (m *Manager) Commit(name string) error {
	return m.withInstanceLock(name, func() error {
		st, err := m.currentState(name)
		if err != nil {
			return err
		}
		if st != Unmounted {
			return cielerr.Newf(cielerr.InstanceBusy, "commit requires Unmounted (instance %q is %s)", name, st).WithPath(name)
		}

		base := m.layout.Base()
		upper := m.layout.InstanceUpper(name)
		staging := m.layout.InstanceRoot(name) + ".commit-staging"

		if err := os.RemoveAll(staging); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(staging)
		}
		if err := copyTree(base, staging); err != nil {
			os.RemoveAll(staging)
			return err
		}
		if err := mergeUpperOnto(staging, upper); err != nil {
			os.RemoveAll(staging)
			return err
		}

		// Swap staging in for base. No byte of the merge is visible under
		// base's path until the second rename (staging -> base) succeeds;
		// a crash before the first rename (base -> prev) leaves base
		// untouched, and a crash after the second rename
		// leaves base fully replaced — the only unsafe window is between
		// the two renames, both same-filesystem and therefore fast.
		prev := base + ".pre-commit"
		os.RemoveAll(prev)
		if _, err := os.Stat(base); err == nil {
			if err := os.Rename(base, prev); err != nil {
				os.RemoveAll(staging)
				return cielerr.Wrap(cielerr.IoError, err).WithPath(base)
			}
		}
		if err := os.Rename(staging, base); err != nil {
			os.Rename(prev, base)
			return cielerr.Wrap(cielerr.IoError, err).WithPath(base)
		}
		os.RemoveAll(prev)

		if err := resetUpper(upper); err != nil {
			return err
		}
		return nil
	})
}

// resetUpper removes the upper layer's contents and recreates it empty,
// the rollback operation of §4.5.2, also used to clear an upper layer
// after a successful commit.
func resetUpper(upper string) error {
	if err := os.RemoveAll(upper); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(upper)
	}
	if err := os.MkdirAll(upper, 0755); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(upper)
	}
	return nil
}

// mergeUpperOnto applies upper's contents to dst (a full copy of base)
// with upper-wins semantics: regular files/symlinks/dirs overwrite the
// corresponding dst entry, whiteout markers (character devices with
// major:minor 0:0) delete the corresponding dst entry instead of being
// copied, and directories carrying the opaque xattr fully replace the
// dst directory's prior contents before the merge continues into it.
func mergeUpperOnto(dst, upper string) error {
	if _, err := os.Stat(upper); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(upper, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(upper, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		if isWhiteout(path, d) {
			if err := os.RemoveAll(target); err != nil {
				return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if isOpaque(path) {
				if err := os.RemoveAll(target); err != nil {
					return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
				}
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
			}
			copyXattrs(path, target)
			return nil
		}

		if err := os.RemoveAll(target); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
		}
		if err := copyEntry(path, target, d); err != nil {
			return err
		}
		return nil
	})
}

// isWhiteout reports whether d at path is an overlayfs whiteout marker:
// a character special device with device number 0 (major and minor
// both zero).
func isWhiteout(path string, d fs.DirEntry) bool {
	if d.Type()&os.ModeCharDevice == 0 {
		return false
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false
	}
	return st.Rdev == 0
}

func isOpaque(path string) bool {
	buf := make([]byte, 8)
	n, err := unix.Getxattr(path, opaqueXattr, buf)
	return err == nil && n == 1 && buf[0] == 'y'
}

// copyTree recursively copies src into dst, preserving mode, symlink
// targets, and extended attributes. Used to build the commit staging
// directory as a full copy of Base before the upper layer is merged in.
func copyTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return os.MkdirAll(dst, 0755)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return os.MkdirAll(target, 0755)
		}
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
			}
			copyXattrs(path, target)
			return nil
		}
		return copyEntry(path, target, d)
	})
}

// copyEntry copies one non-directory filesystem entry (regular file,
// symlink, or device node) from path to target, preserving mode and
// extended attributes.
func copyEntry(path, target string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		linkTarget, err := os.Readlink(path)
		if err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(path)
		}
		if err := os.Symlink(linkTarget, target); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
		}
		return nil

	case info.Mode()&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(path)
		}
		mode := uint32(info.Mode().Perm())
		switch {
		case info.Mode()&os.ModeCharDevice != 0:
			mode |= unix.S_IFCHR
		case info.Mode()&os.ModeDevice != 0:
			mode |= unix.S_IFBLK
		case info.Mode()&os.ModeNamedPipe != 0:
			mode |= unix.S_IFIFO
		case info.Mode()&os.ModeSocket != 0:
			mode |= unix.S_IFSOCK
		}
		if err := unix.Mknod(target, mode, int(st.Rdev)); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
		}
		return nil

	default:
		in, err := os.Open(path)
		if err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(path)
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
		}
		if err := out.Close(); err != nil {
			return cielerr.Wrap(cielerr.IoError, err).WithPath(target)
		}
		copyXattrs(path, target)
		return nil
	}
}

// copyXattrs best-effort copies every extended attribute from src to
// dst. Failures are ignored: not every filesystem backing a workspace
// supports xattrs, and §4.5.1 only requires attempting preservation.
func copyXattrs(src, dst string) {
	size, err := unix.Listxattr(src, nil)
	if err != nil || size <= 0 {
		return
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(src, buf)
	if err != nil {
		return
	}
	for _, name := range strings.Split(strings.TrimRight(string(buf[:n]), "\x00"), "\x00") {
		if name == "" {
			continue
		}
		vsize, err := unix.Getxattr(src, name, nil)
		if err != nil || vsize <= 0 {
			continue
		}
		val := make([]byte, vsize)
		if _, err := unix.Getxattr(src, name, val); err != nil {
			continue
		}
		_ = unix.Setxattr(dst, name, val, 0)
	}
}
