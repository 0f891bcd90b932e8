// Package mount realizes the filesystem invariant of one instance: a
// merged overlay view composed from a shared base, a mutable upper
// layer, an optional volatile top layer, and a set of auxiliary bind
// mounts (tree, source cache, local repo, extras).
package mount

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"ciel/internal/cielerr"
)

// Aux is one auxiliary bind mount layered into a merged instance root,
// applied in the fixed order the caller lists them (§4.3: tree, cache,
// local-repo, output, extras) and released in strict reverse.
type Aux struct {
	Name     string // diagnostic label, e.g. "tree", "cache", "local-repo"
	Source   string
	Target   string // absolute path under the merged root
	ReadOnly bool
	Optional bool // a missing Source is skipped rather than an error
}

// Spec describes the full mount stack for one instance.
type Spec struct {
	Base   string // shared base layer (read-only by convention)
	Upper  string // persistent upper (diff) layer
	Work   string // overlay work directory paired with Upper
	Merged string // merged union mount point

	// TmpfsUpper, when true, backs Upper+Work with a fresh tmpfs instead
	// of a directory on persistent storage (per-instance `tmpfs` option).
	TmpfsUpper   bool
	TmpfsSizeMiB uint32

	// Volatile, when true, stacks an additional ephemeral top layer so
	// that mutations during this mount do not persist even though Upper
	// itself remains untouched (workspace `volatile_mount` option).
	Volatile       bool
	VolatileUpper  string
	VolatileWork   string

	Aux []Aux
}

// Stack drives mount/unmount/verify for one instance's Spec.
type Stack struct{}

// New returns a Stack. Stateless: all state lives in Spec and the
// kernel mount table, per the "global mutable state" design note.
func New() *Stack { return &Stack{} }

// Apply ensures the merged directory reflects Spec, mounting the union
// root first and then auxiliary mounts in listed order. On any failure
// it releases whatever was mounted so far, in reverse order, before
// returning the original error — apply is atomic from the caller's view.
func (s *Stack) Apply(spec Spec) (err error) {
	applied := make([]func() error, 0, len(spec.Aux)+2)
	defer func() {
		if err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				if uerr := applied[i](); uerr != nil {
					err = fmt.Errorf("%w (compensating unmount also failed: %v)", err, uerr)
				}
			}
		}
	}()

	for _, dir := range []string{spec.Base, spec.Upper, spec.Work, spec.Merged} {
		if dir == "" {
			continue
		}
		if err = os.MkdirAll(dir, 0755); err != nil {
			return cielerr.Wrap(cielerr.MountFailed, err).WithPath(dir)
		}
	}

	if spec.TmpfsUpper {
		if err = mountTmpfs(spec.Upper, spec.TmpfsSizeMiB); err != nil {
			return err
		}
		applied = append(applied, func() error { return unmount(spec.Upper) })
		if err = os.MkdirAll(spec.Work, 0755); err != nil {
			return cielerr.Wrap(cielerr.MountFailed, err).WithPath(spec.Work)
		}
	}

	lowerdir := spec.Base
	upperdir := spec.Upper
	workdir := spec.Work
	if spec.Volatile {
		if err = os.MkdirAll(spec.VolatileUpper, 0755); err != nil {
			return cielerr.Wrap(cielerr.MountFailed, err).WithPath(spec.VolatileUpper)
		}
		if err = os.MkdirAll(spec.VolatileWork, 0755); err != nil {
			return cielerr.Wrap(cielerr.MountFailed, err).WithPath(spec.VolatileWork)
		}
		// upper becomes an additional read-only lower; writes go to the
		// ephemeral volatile layer, which wins over upper which wins over base.
		lowerdir = spec.Upper + ":" + spec.Base
		upperdir = spec.VolatileUpper
		workdir = spec.VolatileWork
	}

	if err = validateLayerPath(lowerdir, "lower"); err != nil {
		return err
	}
	if err = validateLayerPath(upperdir, "upper"); err != nil {
		return err
	}
	if err = validateLayerPath(workdir, "work"); err != nil {
		return err
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upperdir, workdir)
	if err = unix.Mount("overlay", spec.Merged, "overlay", 0, opts); err != nil {
		return cielerr.Wrap(cielerr.MountFailed, err).WithPath(spec.Merged)
	}
	applied = append(applied, func() error { return unmount(spec.Merged) })

	for _, aux := range spec.Aux {
		aux := aux
		if _, statErr := os.Stat(aux.Source); statErr != nil {
			if os.IsNotExist(statErr) && aux.Optional {
				continue
			}
			err = cielerr.Wrap(cielerr.MountFailed, statErr).WithPath(aux.Source)
			return err
		}
		if err = os.MkdirAll(aux.Target, 0755); err != nil {
			return cielerr.Wrap(cielerr.MountFailed, err).WithPath(aux.Target)
		}
		if err = unix.Mount(aux.Source, aux.Target, "", unix.MS_BIND, ""); err != nil {
			return cielerr.Newf(cielerr.MountFailed, "bind %s (%s) -> %s: %v", aux.Name, aux.Source, aux.Target, err)
		}
		if aux.ReadOnly {
			if err = unix.Mount("", aux.Target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return cielerr.Newf(cielerr.MountFailed, "remount %s read-only: %v", aux.Name, err)
			}
		}
		applied = append(applied, func() error { return unmount(aux.Target) })
	}

	return nil
}

// Release unmounts everything in spec in strict reverse of apply order.
// A missing mount is not an error; a busy mount surfaces as MountFailed
// wrapping EBUSY so the caller can distinguish it.
func (s *Stack) Release(spec Spec) error {
	var firstErr error
	record := func(e error) {
		if e != nil && firstErr == nil {
			firstErr = e
		}
	}

	for i := len(spec.Aux) - 1; i >= 0; i-- {
		record(unmountIfPresent(spec.Aux[i].Target))
	}
	record(unmountIfPresent(spec.Merged))
	if spec.Volatile {
		// Volatile layer directories are ephemeral content, not mounts;
		// nothing further to unmount here beyond the merged overlay above.
	}
	if spec.TmpfsUpper {
		record(unmountIfPresent(spec.Upper))
	}
	return firstErr
}

// Verify reads the kernel mount table and reports whether a mount exists
// at spec.Merged and at every non-optional Aux target. Only mount points
// are checked: the source of each mount is not compared against spec.
func (s *Stack) Verify(spec Spec) (bool, error) {
	entries, err := readMountTable()
	if err != nil {
		return false, err
	}

	if _, ok := mountedAt(entries, spec.Merged); !ok {
		return false, nil
	}
	for _, aux := range spec.Aux {
		if _, ok := mountedAt(entries, aux.Target); !ok {
			if aux.Optional {
				continue
			}
			return false, nil
		}
	}
	return true, nil
}

// Unmounted reports whether the kernel mount table contains no entry
// under spec.Merged at all — testable property 2.
func (s *Stack) Unmounted(spec Spec) (bool, error) {
	entries, err := readMountTable()
	if err != nil {
		return false, err
	}
	return !anyMountedUnder(entries, spec.Merged), nil
}

func mountTmpfs(target string, sizeMiB uint32) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return cielerr.Wrap(cielerr.MountFailed, err).WithPath(target)
	}
	opts := ""
	if sizeMiB > 0 {
		opts = fmt.Sprintf("size=%dm", sizeMiB)
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, opts); err != nil {
		return cielerr.Wrap(cielerr.MountFailed, err).WithPath(target)
	}
	return nil
}

func unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		if err == unix.EBUSY {
			return cielerr.Newf(cielerr.MountFailed, "busy: %s", target).WithPath(target)
		}
		return cielerr.Wrap(cielerr.MountFailed, err).WithPath(target)
	}
	return nil
}

func unmountIfPresent(target string) error {
	entries, err := readMountTable()
	if err != nil {
		return err
	}
	if _, ok := mountedAt(entries, target); !ok {
		return nil
	}
	if err := unix.Unmount(target, 0); err != nil {
		return cielerr.Wrap(cielerr.MountFailed, err).WithPath(target)
	}
	return nil
}

// DefaultTmpfsSizeMiB returns half of available RAM in MiB, capped at
// maxTmpfsSizeMiB, used when tmpfs=true but tmpfs_size_mib is unset.
func DefaultTmpfsSizeMiB() uint32 {
	avail := availableMemMiB()
	half := avail / 2
	if half > maxTmpfsSizeMiB {
		return maxTmpfsSizeMiB
	}
	if half == 0 {
		return maxTmpfsSizeMiB
	}
	return half
}

// maxTmpfsSizeMiB is the platform cap referenced by §4.3's tmpfs sizing
// rule: 8 GiB is generous for a package build's writable layer while
// bounding worst-case memory pressure from a single instance.
const maxTmpfsSizeMiB = 8192

// availableMemMiB reads total system memory from /proc/meminfo. Parsed
// by hand for the same reason mountinfo is: a stable kernel-documented
// text format with no corpus-provided parser to reuse instead.
func availableMemMiB() uint32 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return maxTmpfsSizeMiB
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		var kib uint64
		if _, err := fmt.Sscanf(fields[1], "%d", &kib); err == nil {
			return uint32(kib / 1024)
		}
	}
	return maxTmpfsSizeMiB
}
