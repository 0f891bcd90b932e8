package config

import (
	"path/filepath"
	"testing"
)

func TestWorkspaceSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	w := DefaultWorkspace()
	w.Maintainer = "Jane Doe <jane@example.org>"
	w.ExtraAptRepos = []string{"deb http://example.org stable main"}

	if err := SaveWorkspace(path, w); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}

	loaded, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("LoadWorkspace: %v", err)
	}

	if loaded.Maintainer != w.Maintainer {
		t.Errorf("maintainer: got %q want %q", loaded.Maintainer, w.Maintainer)
	}
	if !loaded.LocalRepo || !loaded.SourceCache {
		t.Errorf("expected local_repo and source_cache defaults to survive: %+v", loaded)
	}
	if len(loaded.ExtraAptRepos) != 1 || loaded.ExtraAptRepos[0] != w.ExtraAptRepos[0] {
		t.Errorf("extra_apt_repos: got %v want %v", loaded.ExtraAptRepos, w.ExtraAptRepos)
	}
}

// TestSaveLoadSaveIdempotent verifies property 6: save ∘ load ∘ save = save.
func TestSaveLoadSaveIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	w := DefaultWorkspace()
	w.Maintainer = "A"
	if err := SaveWorkspace(path, w); err != nil {
		t.Fatalf("first save: %v", err)
	}

	loaded, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := SaveWorkspace(path, loaded); err != nil {
		t.Fatalf("second save: %v", err)
	}

	reloaded, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Maintainer != w.Maintainer || reloaded.LocalRepo != w.LocalRepo {
		t.Errorf("round-trip drifted: got %+v want maintainer=%q localrepo=%v", reloaded, w.Maintainer, w.LocalRepo)
	}
}

func TestLegacyKeyMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	legacy := `
maintainer = "Legacy Maintainer"
apt_sources = ["deb http://old.example.org stable main"]
nspawn_options = ["--bind=/dev/shm"]
`
	if err := atomicWrite(path, []byte(legacy)); err != nil {
		t.Fatalf("write legacy doc: %v", err)
	}

	w, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("LoadWorkspace: %v", err)
	}
	if w.SchemaVersion != currentSchemaVersion {
		t.Errorf("schema_version: got %d want %d", w.SchemaVersion, currentSchemaVersion)
	}
	if len(w.ExtraAptRepos) != 1 || w.ExtraAptRepos[0] != "deb http://old.example.org stable main" {
		t.Errorf("apt_sources not migrated: %v", w.ExtraAptRepos)
	}
	if len(w.ExtraNspawnOpts) != 1 || w.ExtraNspawnOpts[0] != "--bind=/dev/shm" {
		t.Errorf("nspawn_options not migrated: %v", w.ExtraNspawnOpts)
	}

	// Re-saving must not reintroduce the legacy key names.
	if err := SaveWorkspace(path, w); err != nil {
		t.Fatalf("resave: %v", err)
	}
	w2, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(w2.ExtraAptRepos) != 1 {
		t.Errorf("migration not idempotent: %v", w2.ExtraAptRepos)
	}
}

func TestUnknownKeysPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := `
maintainer = "Jane"
future_option = "kept-verbatim"
`
	if err := atomicWrite(path, []byte(doc)); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := SaveWorkspace(path, w); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, ok := raw.extra["future_option"]; !ok || v != "kept-verbatim" {
		t.Errorf("unknown key not preserved: %+v", raw.extra)
	}
}

func TestInstanceDefaultsAndOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instance.toml")

	ic := DefaultInstance()
	ic.Tmpfs = true
	size := uint32(512)
	ic.TmpfsSizeMiB = &size

	if err := SaveInstance(path, ic); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	loaded, err := LoadInstance(path)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if !loaded.Tmpfs {
		t.Errorf("tmpfs override not preserved")
	}
	if loaded.TmpfsSizeMiB == nil || *loaded.TmpfsSizeMiB != 512 {
		t.Errorf("tmpfs_size_mib not preserved: %+v", loaded.TmpfsSizeMiB)
	}
}

func TestEffectiveOptionsOrdering(t *testing.T) {
	w := DefaultWorkspace()
	w.ExtraAptRepos = []string{"ws-repo-1", "shared-repo"}
	ic := DefaultInstance()
	ic.ExtraAptRepos = []string{"shared-repo", "inst-repo-1"}

	got := EffectiveAptRepos(w, ic)
	want := []string{"ws-repo-1", "shared-repo", "inst-repo-1"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSchemaErrorOnBadType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := `dnssec = "not-a-bool"`
	if err := atomicWrite(path, []byte(doc)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadWorkspace(path); err == nil {
		t.Errorf("expected SchemaError for non-bool dnssec")
	}
}
