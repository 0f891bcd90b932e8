package mount

import (
	"strings"

	"ciel/internal/cielerr"
)

// validateLayerPath checks that a path is safe to embed in a comma-
// delimited overlay mount option string. Overlayfs (like fuse-overlayfs)
// separates options with commas, so a path containing one could inject
// additional options — e.g. "lowerdir=/a,upperdir=/etc" would silently
// redirect upperdir. Grounded on the equivalent guard in the sandbox
// package of the wider example corpus.
func validateLayerPath(path, field string) error {
	if strings.Contains(path, ",") {
		return cielerr.Newf(cielerr.MountFailed, "%s path %q contains a comma, which would corrupt overlay mount options", field, path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return cielerr.Newf(cielerr.MountFailed, "%s path %q contains invalid characters", field, path)
	}
	return nil
}
