package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"ciel/internal/cielerr"
)

// Instance is the per-instance configuration document, overriding a
// subset of workspace-scope options (§3).
type Instance struct {
	SchemaVersion   int      `toml:"schema_version"`
	Tmpfs           bool     `toml:"tmpfs"`
	TmpfsSizeMiB    *uint32  `toml:"tmpfs_size_mib"`
	ROTree          bool     `toml:"ro_tree"`
	OutputOverride  string   `toml:"output_override"`
	ExtraAptRepos   []string `toml:"extra_apt_repos"`
	ExtraNspawnOpts []string `toml:"extra_nspawn_opts"`

	extra map[string]interface{}
}

// DefaultInstance returns a new per-instance document with every
// override unset, deferring to workspace-scope defaults.
func DefaultInstance() *Instance {
	return &Instance{SchemaVersion: currentSchemaVersion}
}

var knownInstanceKeys = map[string]bool{
	"schema_version": true, "tmpfs": true, "tmpfs_size_mib": true,
	"ro_tree": true, "output_override": true, "extra_apt_repos": true,
	"extra_nspawn_opts": true,
}

// LoadInstance reads and migrates a per-instance config document.
func LoadInstance(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, cielerr.Newf(cielerr.SchemaError, "parse %s: %v", path, err)
	}

	ic := &Instance{extra: map[string]interface{}{}}
	for k, v := range raw {
		switch k {
		case "schema_version":
			n, err := toInt(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			ic.SchemaVersion = n
		case "tmpfs":
			b, err := toBool(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			ic.Tmpfs = b
		case "tmpfs_size_mib":
			n, err := toInt(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			u := uint32(n)
			ic.TmpfsSizeMiB = &u
		case "ro_tree":
			b, err := toBool(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			ic.ROTree = b
		case "output_override":
			s, err := toString(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			ic.OutputOverride = s
		case "extra_apt_repos":
			ss, err := toStringSlice(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			ic.ExtraAptRepos = dedupPreserveOrder(ss)
		case "extra_nspawn_opts":
			ss, err := toStringSlice(v)
			if err != nil {
				return nil, cielerr.Newf(cielerr.SchemaError, "%s: %v", k, err).WithPath(k)
			}
			ic.ExtraNspawnOpts = dedupPreserveOrder(ss)
		default:
			ic.extra[k] = v
		}
	}

	if ic.SchemaVersion < currentSchemaVersion {
		ic.SchemaVersion = currentSchemaVersion
	}
	return ic, nil
}

// SaveInstance atomically persists ic to path.
func SaveInstance(path string, ic *Instance) error {
	doc := map[string]interface{}{
		"schema_version":    ic.SchemaVersion,
		"tmpfs":             ic.Tmpfs,
		"ro_tree":           ic.ROTree,
		"output_override":   ic.OutputOverride,
		"extra_apt_repos":   orEmpty(ic.ExtraAptRepos),
		"extra_nspawn_opts": orEmpty(ic.ExtraNspawnOpts),
	}
	if ic.TmpfsSizeMiB != nil {
		doc["tmpfs_size_mib"] = *ic.TmpfsSizeMiB
	}
	for k, v := range ic.extra {
		if _, known := knownInstanceKeys[k]; !known {
			doc[k] = v
		}
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return cielerr.Newf(cielerr.SchemaError, "marshal %s: %v", path, err)
	}
	return atomicWrite(path, data)
}

// EffectiveAptRepos merges workspace-scope and instance-scope extra APT
// repositories, workspace defaults first, then instance overrides, per
// §4.4's deterministic-order requirement for register's extra options.
func EffectiveAptRepos(w *Workspace, ic *Instance) []string {
	return dedupPreserveOrder(append(append([]string{}, w.ExtraAptRepos...), ic.ExtraAptRepos...))
}

// EffectiveNspawnOpts merges workspace-scope and instance-scope extra
// options in the same deterministic order.
func EffectiveNspawnOpts(w *Workspace, ic *Instance) []string {
	return dedupPreserveOrder(append(append([]string{}, w.ExtraNspawnOpts...), ic.ExtraNspawnOpts...))
}
