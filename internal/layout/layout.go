// Package layout is pure path algebra over a workspace root. Every path
// the rest of the module touches is produced here; no other package
// concatenates path segments of its own.
package layout

import "path/filepath"

// Marker is the reserved subdirectory whose presence identifies a
// directory as a Ciel workspace root.
const Marker = ".ciel"

// Layout resolves all workspace-relative paths from one canonical root.
type Layout struct {
	root string
}

// New returns a Layout rooted at the given absolute, canonical path.
// Callers are responsible for canonicalizing (filepath.EvalSymlinks +
// filepath.Abs) before calling New, since workspace identity is defined
// by canonical path equality.
func New(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the canonical workspace root.
func (l *Layout) Root() string { return l.root }

// Marker returns the path to the reserved directory that identifies
// this directory as a workspace.
func (l *Layout) Marker() string { return filepath.Join(l.root, Marker) }

// Base returns the shared base-layer root filesystem path.
func (l *Layout) Base() string { return filepath.Join(l.root, Marker, "container", "dist") }

// InstancesDir returns the directory holding all instance subdirectories.
func (l *Layout) InstancesDir() string { return filepath.Join(l.root, Marker, "container", "instances") }

// InstanceRoot returns the root directory for a single named instance.
func (l *Layout) InstanceRoot(name string) string { return filepath.Join(l.InstancesDir(), name) }

// InstanceUpper returns the mutable upper (diff) layer of an instance.
func (l *Layout) InstanceUpper(name string) string {
	return filepath.Join(l.InstanceRoot(name), "layers", "diff")
}

// InstanceWork returns the overlay work directory of an instance.
func (l *Layout) InstanceWork(name string) string {
	return filepath.Join(l.InstanceRoot(name), "layers", "work")
}

// InstanceMerged returns the merged union mount point of an instance.
func (l *Layout) InstanceMerged(name string) string {
	return filepath.Join(l.InstanceRoot(name), "layers", "merged")
}

// InstanceVolatileUpper returns the ephemeral tmpfs-backed upper layer
// used in volatile mode, distinct from the persistent upper directory.
func (l *Layout) InstanceVolatileUpper(name string) string {
	return filepath.Join(l.InstanceRoot(name), "layers", "volatile-diff")
}

// InstanceVolatileWork returns the overlay work directory paired with
// the volatile upper layer.
func (l *Layout) InstanceVolatileWork(name string) string {
	return filepath.Join(l.InstanceRoot(name), "layers", "volatile-work")
}

// InstanceConfig returns the per-instance TOML config document path.
func (l *Layout) InstanceConfig(name string) string {
	return filepath.Join(l.InstanceRoot(name), "config.toml")
}

// Output returns the build-artifact output directory, sharded by branch
// when branchExclusive is true and branch is non-empty.
func (l *Layout) Output(branchExclusive bool, branch string) string {
	if branchExclusive && branch != "" {
		return filepath.Join(l.root, "OUTPUT-"+branch)
	}
	return filepath.Join(l.root, "OUTPUT")
}

// OutputDebs returns the subdirectory of an output tree holding built
// .deb archives, the input to the package scanner.
func (l *Layout) OutputDebs(output string) string { return filepath.Join(output, "debs") }

// OutputDistsRoot returns the APT repository root under an output tree.
func (l *Layout) OutputDistsRoot(output string) string { return filepath.Join(output, "dists", "stable") }

// OutputBinaryDir returns the per-architecture binary index directory.
func (l *Layout) OutputBinaryDir(output, arch string) string {
	return filepath.Join(l.OutputDistsRoot(output), "main", "binary-"+arch)
}

// OutputRelease returns the path to the Release file for an output tree.
func (l *Layout) OutputRelease(output string) string {
	return filepath.Join(l.OutputDistsRoot(output), "Release")
}

// Cache returns the persistent source-tarball cache directory.
func (l *Layout) Cache() string { return filepath.Join(l.root, "SRCS") }

// Tree returns the package-recipe working copy directory.
func (l *Layout) Tree() string { return filepath.Join(l.root, "TREE") }

// State returns the directory holding process-external state: the
// workspace lock, the instance registry, and the scanner's incremental
// index.
func (l *Layout) State() string { return filepath.Join(l.root, Marker, "state") }

// Lock returns the path to the workspace advisory lock file.
func (l *Layout) Lock() string { return filepath.Join(l.State(), "lock") }

// InstanceLock returns the path to a per-instance advisory lock file.
func (l *Layout) InstanceLock(name string) string {
	return filepath.Join(l.InstanceRoot(name), ".lock")
}

// InstanceRegistry returns the path to the persisted instance registry.
func (l *Layout) InstanceRegistry() string { return filepath.Join(l.State(), "instances.json") }

// RepoIndexState returns the path to the incremental scanner state file.
func (l *Layout) RepoIndexState() string { return filepath.Join(l.State(), "repo-index.bin") }

// WorkspaceConfig returns the path to the workspace TOML config document.
func (l *Layout) WorkspaceConfig() string { return filepath.Join(l.root, Marker, "config.toml") }

// DotEnv returns the path to the optional user-sourced environment file.
func (l *Layout) DotEnv() string { return filepath.Join(l.root, ".env") }
