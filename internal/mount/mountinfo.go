package mount

import (
	"bufio"
	"io"
	"os"
	"strings"

	"ciel/internal/cielerr"
)

// entry is one parsed line of /proc/self/mountinfo, per proc(5):
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//	(1)(2)(3)   (4)   (5)      (6)      (7)   (8) (9)   (10)         (11)
//
// Fields 1-6 are fixed count; field 7 is zero-or-more optional fields
// terminated by a literal "-" separator; fields 9-11 follow it.
type entry struct {
	mountPoint string
	fsType     string
	source     string
}

// readMountTable parses /proc/self/mountinfo into a slice of entries.
// No third-party mountinfo parser exists anywhere in the retrieved
// example corpus; the format is a stable, documented kernel ABI best
// read directly rather than through an added dependency.
func readMountTable() ([]entry, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath("/proc/self/mountinfo")
	}
	defer f.Close()
	return parseMountinfo(f)
}

// parseMountinfo parses the mountinfo text format from r. Split out from
// readMountTable so the parser itself is testable without a real
// /proc/self/mountinfo.
func parseMountinfo(r io.Reader) ([]entry, error) {
	var entries []entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+2 >= len(fields) {
			continue
		}
		entries = append(entries, entry{
			mountPoint: fields[4],
			fsType:     fields[sepIdx+1],
			source:     fields[sepIdx+2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath("/proc/self/mountinfo")
	}
	return entries, nil
}

// mountedAt reports whether some entry targets exactly the given path,
// and if so returns it.
func mountedAt(entries []entry, path string) (entry, bool) {
	for _, e := range entries {
		if e.mountPoint == path {
			return e, true
		}
	}
	return entry{}, false
}

// anyMountedUnder reports whether any entry's mount point is path itself
// or a descendant of it — used to confirm an Unmounted instance truly
// has nothing left in the kernel table under its merged directory
// (testable property 2).
func anyMountedUnder(entries []entry, path string) bool {
	prefix := strings.TrimSuffix(path, "/") + "/"
	for _, e := range entries {
		if e.mountPoint == path || strings.HasPrefix(e.mountPoint, prefix) {
			return true
		}
	}
	return false
}
