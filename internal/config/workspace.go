// Package config implements the workspace and per-instance TOML
// document store: load with forward-only migration, atomic save, and
// preservation of unrecognized keys across a round trip.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"ciel/internal/cielerr"
)

// currentSchemaVersion is the schema version written by Save. Documents
// read with no schema_version field are treated as version 0 and
// migrated forward.
const currentSchemaVersion = 1

// Workspace is the workspace-scope configuration document (§3).
type Workspace struct {
	SchemaVersion         int      `toml:"schema_version"`
	Maintainer            string   `toml:"maintainer"`
	DNSSEC                bool     `toml:"dnssec"`
	LocalRepo             bool     `toml:"local_repo"`
	SourceCache           bool     `toml:"source_cache"`
	BranchExclusiveOutput bool     `toml:"branch_exclusive_output"`
	VolatileMount         bool     `toml:"volatile_mount"`
	UseAPT                bool     `toml:"use_apt"`
	ExtraAptRepos         []string `toml:"extra_apt_repos"`
	ExtraNspawnOpts       []string `toml:"extra_nspawn_opts"`

	// extra holds keys this document does not recognize, so that a
	// load-then-save round trip does not silently drop them.
	extra map[string]interface{}
}

// DefaultWorkspace returns a new workspace document with the defaults
// enumerated in §3: local_repo and source_cache default true, everything
// else defaults false or empty.
func DefaultWorkspace() *Workspace {
	return &Workspace{
		SchemaVersion: currentSchemaVersion,
		LocalRepo:     true,
		SourceCache:   true,
	}
}

// knownWorkspaceKeys lists the recognized top-level keys. SaveWorkspace
// consults it so that only unrecognized keys from the residual extra map
// are written back alongside the typed fields.
var knownWorkspaceKeys = map[string]bool{
	"schema_version": true, "maintainer": true, "dnssec": true,
	"local_repo": true, "source_cache": true, "branch_exclusive_output": true,
	"volatile_mount": true, "use_apt": true, "extra_apt_repos": true,
	"extra_nspawn_opts": true,
	// legacy aliases migrated on load, see migrateWorkspace
	"apt_sources": true, "nspawn_options": true,
}

// LoadWorkspace reads and migrates a workspace config document.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
		}
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, cielerr.Newf(cielerr.SchemaError, "parse %s: %v", path, err)
	}

	w := &Workspace{extra: map[string]interface{}{}}
	if err := decodeWorkspace(raw, w); err != nil {
		return nil, err
	}
	migrateWorkspace(w)
	return w, nil
}

// decodeWorkspace extracts known fields from a raw TOML map into w,
// type-checking each; unrecognized keys are retained in w.extra.
func decodeWorkspace(raw map[string]interface{}, w *Workspace) error {
	for k, v := range raw {
		switch k {
		case "schema_version":
			n, err := toInt(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.SchemaVersion = n
		case "maintainer":
			s, err := toString(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.Maintainer = s
		case "dnssec":
			b, err := toBool(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.DNSSEC = b
		case "local_repo":
			b, err := toBool(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.LocalRepo = b
		case "source_cache":
			b, err := toBool(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.SourceCache = b
		case "branch_exclusive_output":
			b, err := toBool(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.BranchExclusiveOutput = b
		case "volatile_mount":
			b, err := toBool(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.VolatileMount = b
		case "use_apt":
			b, err := toBool(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.UseAPT = b
		case "extra_apt_repos", "apt_sources":
			ss, err := toStringSlice(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.ExtraAptRepos = dedupPreserveOrder(append(w.ExtraAptRepos, ss...))
		case "extra_nspawn_opts", "nspawn_options":
			ss, err := toStringSlice(v)
			if err != nil {
				return cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			w.ExtraNspawnOpts = dedupPreserveOrder(append(w.ExtraNspawnOpts, ss...))
		default:
			w.extra[k] = v
		}
	}
	return nil
}

// migrateWorkspace applies forward-only, idempotent migrations. A
// document with no schema_version is version 0; migrating it here only
// bumps the version number since the legacy key aliases were already
// folded into their current names during decode.
func migrateWorkspace(w *Workspace) {
	if w.SchemaVersion < currentSchemaVersion {
		w.SchemaVersion = currentSchemaVersion
	}
}

// SaveWorkspace atomically persists w to path: write to a sibling temp
// file, fsync, rename over the destination, then fsync the parent
// directory, following the same atomic-write discipline as SaveInstance.
func SaveWorkspace(path string, w *Workspace) error {
	doc := map[string]interface{}{
		"schema_version":          w.SchemaVersion,
		"maintainer":              w.Maintainer,
		"dnssec":                  w.DNSSEC,
		"local_repo":              w.LocalRepo,
		"source_cache":            w.SourceCache,
		"branch_exclusive_output": w.BranchExclusiveOutput,
		"volatile_mount":          w.VolatileMount,
		"use_apt":                 w.UseAPT,
		"extra_apt_repos":         orEmpty(w.ExtraAptRepos),
		"extra_nspawn_opts":       orEmpty(w.ExtraNspawnOpts),
	}
	for k, v := range w.extra {
		if _, known := knownWorkspaceKeys[k]; !known {
			doc[k] = v
		}
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return cielerr.Newf(cielerr.SchemaError, "marshal %s: %v", path, err)
	}
	return atomicWrite(path, data)
}

// atomicWrite writes data to path via a sibling temp file, fsync,
// rename, then fsync of the parent directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(dir)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return cielerr.Wrap(cielerr.IoError, err).WithPath(tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return cielerr.Wrap(cielerr.IoError, err).WithPath(tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cielerr.Wrap(cielerr.IoError, err).WithPath(tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}

	if pf, err := os.Open(dir); err == nil {
		pf.Sync()
		pf.Close()
	}
	return nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func dedupPreserveOrder(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toBool(v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func toString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func toStringSlice(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}
