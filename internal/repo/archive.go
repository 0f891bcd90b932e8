// Package repo implements the local APT repository builder (C6): it
// parses .deb archives, computes their hashes and contained file
// lists, and emits deterministic Packages/Contents/Release indexes.
// Grounded on original_source/src/repo/scan.rs for the pipeline shape,
// translated into a parallel-parse-then-reduce Go pipeline.
package repo

import (
	"archive/tar"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"ciel/internal/cielerr"
)

// ParsedArchive is the result of parsing one .deb archive.
type ParsedArchive struct {
	Path    string // absolute filesystem path
	RelPath string // path relative to the repo root, used as Filename in Packages
	Size    int64
	SHA256  string
	MD5     string
	SHA1    string
	Control map[string]string
	Files   []string // relative paths of regular-file entries in data.tar
}

// HashOptions selects which extra digests to compute beyond the
// always-required SHA-256.
type HashOptions struct {
	MD5  bool
	SHA1 bool
}

// ParseArchive runs the per-archive parsing pipeline of §4.6: locate
// control.tar.* and data.tar.* inside the outer ar archive, parse the
// control paragraph, enumerate data.tar's regular files, and hash the
// raw archive bytes. root is the repo root Filename is reported relative
// to (the directory containing both debs/ and dists/), not the debs
// directory itself.
func ParseArchive(path, root string, opts HashOptions) (*ParsedArchive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}

	sha256h := sha256.New()
	hashers := []io.Writer{sha256h}
	var md5h, sha1h hash.Hash
	if opts.MD5 {
		md5h = md5.New()
		hashers = append(hashers, md5h)
	}
	if opts.SHA1 {
		sha1h = sha1.New()
		hashers = append(hashers, sha1h)
	}

	tee := io.MultiWriter(hashers...)
	hashingReader := io.TeeReader(f, tee)

	reader := ar.NewReader(hashingReader)
	var control map[string]string
	var files []string
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cielerr.Newf(cielerr.MalformedArchive, "%s: read ar archive: %v", path, err).WithPath(path)
		}
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")

		switch {
		case strings.HasPrefix(name, "control.tar"):
			control, err = parseControlMember(reader, name)
			if err != nil {
				return nil, cielerr.Newf(cielerr.MalformedArchive, "%s: control member: %v", path, err).WithPath(path)
			}
		case strings.HasPrefix(name, "data.tar"):
			files, err = listDataMember(reader, name)
			if err != nil {
				return nil, cielerr.Newf(cielerr.MalformedArchive, "%s: data member: %v", path, err).WithPath(path)
			}
		}
	}

	if control == nil {
		return nil, cielerr.Newf(cielerr.MalformedArchive, "%s: missing control.tar member", path).WithPath(path)
	}
	if files == nil {
		return nil, cielerr.Newf(cielerr.MalformedArchive, "%s: missing data.tar member", path).WithPath(path)
	}

	relPath, err := filepath.Rel(root, path)
	if err != nil {
		relPath = path
	}

	pa := &ParsedArchive{
		Path:    path,
		RelPath: filepath.ToSlash(relPath),
		Size:    fi.Size(),
		Control: control,
		Files:   files,
		SHA256:  hex.EncodeToString(sha256h.Sum(nil)),
	}
	if md5h != nil {
		pa.MD5 = hex.EncodeToString(md5h.Sum(nil))
	}
	if sha1h != nil {
		pa.SHA1 = hex.EncodeToString(sha1h.Sum(nil))
	}
	return pa, nil
}

// decompress wraps r according to the compression suffix on member
// name (one of .gz, .xz, .zst), or returns r unchanged for an
// uncompressed member.
func decompress(r io.Reader, name string) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

func parseControlMember(r io.Reader, name string) (map[string]string, error) {
	dr, err := decompress(r, name)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("control.tar has no control file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		base := strings.TrimPrefix(hdr.Name, "./")
		if base == "control" {
			return parseControl(tr)
		}
	}
}

func listDataMember(r io.Reader, name string) ([]string, error) {
	dr, err := decompress(r, name)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	var files []string
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(hdr.Name, "./")
		rel = strings.TrimPrefix(rel, "/")
		files = append(files, rel)
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}
