package repo

import (
	"time"

	"ciel/internal/layout"
)

// Refresh runs one full scan-and-build cycle against a workspace's
// output tree: Scan(debs) then BuildRepo(dists/stable/...), using date
// as Release's injectable timestamp source (§4.6's determinism rule).
// Filename records in the generated Packages index are reported
// relative to output, so an APT client can resolve them against the
// repository's base URL.
func Refresh(lo *layout.Layout, output string, date time.Time, opts HashOptions) (*Result, error) {
	result, err := Scan(lo.OutputDebs(output), output, lo.RepoIndexState(), opts)
	if err != nil {
		return nil, err
	}
	paths := Paths{
		BinaryDir: func(arch string) string { return lo.OutputBinaryDir(output, arch) },
		Release:   lo.OutputRelease(output),
	}
	if err := BuildRepo(paths, result, date); err != nil {
		return nil, err
	}
	return result, nil
}
