package layout

import (
	"os"
	"path/filepath"

	"ciel/internal/cielerr"
)

// Find walks upward from start looking for a directory containing the
// workspace Marker, returning a Layout rooted at the first match. It
// mirrors how a shell resolves a project root: the caller's -C flag (or
// the current directory) is the starting point, and ancestors are
// checked in turn.
func Find(start string) (*Layout, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(start)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(abs)
	}

	dir := resolved
	for {
		if info, statErr := os.Stat(filepath.Join(dir, Marker)); statErr == nil && info.IsDir() {
			return New(dir), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, cielerr.Newf(cielerr.WorkspaceMissing, "no %s marker at or above %s", Marker, resolved)
		}
		dir = parent
	}
}

// Create lays down a fresh, empty workspace skeleton at root, which must
// not already be a workspace. It creates the marker, instances, state,
// TREE and SRCS directories but leaves Base and OUTPUT creation to their
// respective owning components.
func Create(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(root)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(abs)
	}

	l := New(resolved)
	if _, err := os.Stat(l.Marker()); err == nil {
		return nil, cielerr.Newf(cielerr.SchemaError, "%s is already a workspace", resolved).WithPath(l.Marker())
	}
	for _, dir := range []string{l.Marker(), l.InstancesDir(), l.State(), l.Tree(), l.Cache()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(dir)
		}
	}
	return l, nil
}
