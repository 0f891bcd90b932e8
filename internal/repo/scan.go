package repo

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Failure records one archive that could not be parsed; per testable
// property 10 a MalformedArchive failure never aborts the scan, it is
// recorded and the archive is omitted from the emitted index.
type Failure struct {
	Path string
	Err  error
}

// Result is one refresh's outcome: every successfully parsed entry plus
// every failure encountered along the way.
type Result struct {
	Entries  []Entry
	Failures []Failure
}

// Scan parses every .deb in debsDir with a worker pool bounded to the
// CPU count, reusing cached results from statePath for archives whose
// (mtime, size) are unchanged, and persists the refreshed cache. root
// is the repo root each archive's Filename is reported relative to.
// This is the entry point for `repo refresh`.
func Scan(debsDir, root, statePath string, opts HashOptions) (*Result, error) {
	entries, err := os.ReadDir(debsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{}, nil
		}
		return nil, err
	}

	type job struct {
		path    string
		modTime int64
		size    int64
	}
	var jobs []job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".deb") {
			continue
		}
		path := filepath.Join(debsDir, e.Name())
		fi, err := e.Info()
		if err != nil {
			continue
		}
		jobs = append(jobs, job{path: path, modTime: fi.ModTime().UnixNano(), size: fi.Size()})
	}

	state, err := loadIndexState(statePath)
	if err != nil {
		return nil, err
	}

	type parsed struct {
		pa      *ParsedArchive
		modTime int64
		err     error
	}
	results := make([]parsed, len(jobs))

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) && len(jobs) > 0 {
		workers = len(jobs)
	}

	idxCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				j := jobs[i]
				if cached, ok := state.Archives[j.path]; ok && cached.ModTime == j.modTime && cached.Size == j.size {
					results[i] = parsed{pa: cached.toParsedArchive(), modTime: j.modTime}
					continue
				}
				pa, err := ParseArchive(j.path, root, opts)
				results[i] = parsed{pa: pa, modTime: j.modTime, err: err}
			}
		}()
	}
	for i := range jobs {
		idxCh <- i
	}
	close(idxCh)
	wg.Wait()

	newState := &indexState{Archives: map[string]cachedArchive{}}
	out := &Result{}
	for i, r := range results {
		if r.err != nil {
			out.Failures = append(out.Failures, Failure{Path: jobs[i].path, Err: r.err})
			continue
		}
		entry, err := NewEntry(r.pa)
		if err != nil {
			out.Failures = append(out.Failures, Failure{Path: jobs[i].path, Err: err})
			continue
		}
		out.Entries = append(out.Entries, entry)
		newState.Archives[jobs[i].path] = toCachedArchive(r.pa, r.modTime)
	}
	sortEntries(out.Entries)

	if err := saveIndexState(statePath, newState); err != nil {
		return nil, err
	}
	return out, nil
}

// Paths groups the output layout this package writes to, decoupling
// BuildRepo from the layout package so repo stays independently testable.
type Paths struct {
	BinaryDir func(arch string) string
	Release   string
}

// BuildRepo renders and writes Packages/Packages.gz/Contents-<arch>/
// Release for one scan result, in the fixed generation order §4.6
// requires, using date as the injectable Release timestamp source.
func BuildRepo(paths Paths, result *Result, date time.Time) error {
	archSet := map[string]bool{}
	for _, e := range result.Entries {
		if arch := e.Archive.Control["Architecture"]; arch != "" && arch != "all" {
			archSet[arch] = true
		}
	}
	if len(archSet) == 0 {
		archSet["all"] = true
	}
	architectures := make([]string, 0, len(archSet))
	for a := range archSet {
		architectures = append(architectures, a)
	}

	var generated []GeneratedFile
	for _, arch := range sortedCopy(architectures) {
		var archEntries []Entry
		for _, e := range result.Entries {
			if e.Archive.Control["Architecture"] == arch || e.Archive.Control["Architecture"] == "all" {
				archEntries = append(archEntries, e)
			}
		}

		pkgData := RenderPackages(archEntries)
		gz, err := GzipPackages(pkgData)
		if err != nil {
			return err
		}
		contents := RenderContents(archEntries, arch)

		dir := paths.BinaryDir(arch)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "Packages"), pkgData, 0644); err != nil {
			return err
		}
		generated = append(generated, GeneratedFile{RelPath: "main/binary-" + arch + "/Packages", Data: pkgData})

		if err := os.WriteFile(filepath.Join(dir, "Packages.gz"), gz, 0644); err != nil {
			return err
		}
		generated = append(generated, GeneratedFile{RelPath: "main/binary-" + arch + "/Packages.gz", Data: gz})

		contentsName := filepath.Join(dir, "Contents-"+arch)
		if err := os.WriteFile(contentsName, contents, 0644); err != nil {
			return err
		}
		generated = append(generated, GeneratedFile{RelPath: "main/binary-" + arch + "/Contents-" + arch, Data: contents})
	}

	release := RenderRelease(date, architectures, []string{"main"}, generated)
	if err := os.MkdirAll(filepath.Dir(paths.Release), 0755); err != nil {
		return err
	}
	return os.WriteFile(paths.Release, release, 0644)
}
