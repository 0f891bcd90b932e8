package repo

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"sort"
	"strings"
	"time"

	debversion "pault.ag/go/debian/version"

	"ciel/internal/cielerr"
)

// packageFields is the fixed field order used when emitting one
// Packages record, per §4.6's "field order within each record follows
// a fixed schema" determinism rule.
var packageFields = []string{
	"Package", "Source", "Version", "Architecture", "Maintainer",
	"Installed-Size", "Depends", "Recommends", "Suggests", "Conflicts",
	"Breaks", "Provides", "Section", "Priority", "Homepage", "Description",
}

// Entry pairs a parsed archive with the Debian version it was parsed
// into, pre-computed once so sorting never reparses it.
type Entry struct {
	Archive *ParsedArchive
	Version debversion.Version
}

// NewEntry parses the archive's Version control field with Debian
// version-ordering semantics, failing with MalformedArchive on an
// unparsable version string.
func NewEntry(pa *ParsedArchive) (Entry, error) {
	raw := pa.Control["Version"]
	v, err := debversion.Parse(raw)
	if err != nil {
		return Entry{}, cielerr.Newf(cielerr.MalformedArchive, "%s: bad version %q: %v", pa.Path, raw, err).WithPath(pa.Path)
	}
	return Entry{Archive: pa, Version: v}, nil
}

// sortEntries orders entries by (name asc, version via Debian ordering,
// architecture asc), the reduction-step ordering that makes parallel
// parsing reproducible regardless of scheduling.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Archive, entries[j].Archive
		if a.Control["Package"] != b.Control["Package"] {
			return a.Control["Package"] < b.Control["Package"]
		}
		if cmp := debversion.Compare(entries[i].Version, entries[j].Version); cmp != 0 {
			return cmp < 0
		}
		return a.Control["Architecture"] < b.Control["Architecture"]
	})
}

// RenderPackages emits the Packages index text for entries, already
// sorted by sortEntries, using packageFields' fixed order and LF line
// endings. Each record is terminated by a blank line.
func RenderPackages(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		for _, field := range packageFields {
			val, ok := e.Archive.Control[field]
			if !ok || val == "" {
				continue
			}
			fmt.Fprintf(&buf, "%s: %s\n", field, val)
		}
		fmt.Fprintf(&buf, "Filename: %s\n", e.Archive.RelPath)
		fmt.Fprintf(&buf, "Size: %d\n", e.Archive.Size)
		fmt.Fprintf(&buf, "SHA256: %s\n", e.Archive.SHA256)
		if e.Archive.MD5 != "" {
			fmt.Fprintf(&buf, "MD5sum: %s\n", e.Archive.MD5)
		}
		if e.Archive.SHA1 != "" {
			fmt.Fprintf(&buf, "SHA1: %s\n", e.Archive.SHA1)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// GzipPackages deflates data with a fixed modification time (the zero
// time) so the compressed bytes are reproducible across runs of
// identical input, matching §4.6's byte-identical-output requirement.
func GzipPackages(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	zw.ModTime = time.Time{}
	zw.Name = ""
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderContents emits one architecture's Contents file: for every file
// in every package targeting that architecture, a line
// "<path>\t<section>/<name>", sorted byte-wise by file path. A file
// appearing in more than one package is listed once per package.
func RenderContents(entries []Entry, arch string) []byte {
	type line struct{ path, ref string }
	var lines []line
	for _, e := range entries {
		if e.Archive.Control["Architecture"] != arch && e.Archive.Control["Architecture"] != "all" {
			continue
		}
		section := e.Archive.Control["Section"]
		if section == "" {
			section = "unknown"
		}
		ref := section + "/" + e.Archive.Control["Package"]
		for _, f := range e.Archive.Files {
			lines = append(lines, line{path: f, ref: ref})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].path != lines[j].path {
			return lines[i].path < lines[j].path
		}
		return lines[i].ref < lines[j].ref
	})

	var buf bytes.Buffer
	for _, l := range lines {
		fmt.Fprintf(&buf, "%s\t%s\n", l.path, l.ref)
	}
	return buf.Bytes()
}

// GeneratedFile is one file written during index generation, tracked so
// Release can list its size and SHA-256 digest.
type GeneratedFile struct {
	RelPath string // path relative to the repo root, e.g. "main/binary-amd64/Packages"
	Data    []byte
}

// RenderRelease emits the Release file: a key-value paragraph with
// Date, Architectures, Components, and a SHA256 listing of every
// generated file, in the generation order the caller provides.
func RenderRelease(date time.Time, architectures, components []string, files []GeneratedFile) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Date: %s\n", date.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Architectures: %s\n", strings.Join(sortedCopy(architectures), " "))
	fmt.Fprintf(&buf, "Components: %s\n", strings.Join(sortedCopy(components), " "))
	buf.WriteString("SHA256:\n")
	for _, f := range files {
		sum := sha256Hex(f.Data)
		fmt.Fprintf(&buf, " %s %d %s\n", sum, len(f.Data), f.RelPath)
	}
	return buf.Bytes()
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
