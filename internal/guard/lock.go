// Package guard implements the workspace and per-instance advisory
// locks plus signal-driven cooperative shutdown (C7).
package guard

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"ciel/internal/cielerr"
)

// Lock wraps an advisory file lock. Held locks are non-blocking: a
// contended lock fails fast rather than waiting, per §5's "fail fast
// with WorkspaceBusy" requirement.
type Lock struct {
	fl   *flock.Flock
	kind cielerr.Kind
	path string
}

// AcquireWorkspaceLock takes the workspace-scope lock non-blockingly.
// A contended lock returns a WorkspaceBusy error.
func AcquireWorkspaceLock(path string) (*Lock, error) {
	return acquire(path, cielerr.WorkspaceBusy)
}

// AcquireInstanceLock takes a per-instance lock non-blockingly,
// serializing operations on one instance across parallel bulk commands.
// A contended lock returns an InstanceBusy error.
func AcquireInstanceLock(path string) (*Lock, error) {
	return acquire(path, cielerr.InstanceBusy)
}

func acquire(path string, busyKind cielerr.Kind) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}
	if !ok {
		return nil, cielerr.Newf(busyKind, "%s is held by another process", path).WithPath(path)
	}
	return &Lock{fl: fl, kind: busyKind, path: path}, nil
}

// Release drops the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(l.path)
	}
	return nil
}
