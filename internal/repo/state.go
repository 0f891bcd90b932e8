package repo

import (
	"encoding/json"
	"os"
	"path/filepath"

	"ciel/internal/cielerr"
)

// cachedArchive is one archive's full parse result plus its recorded
// (path, mtime, size, sha256). A later refresh skips reparsing an archive
// whose path, mtime and size are unchanged; the sha256 is carried over,
// not recomputed or compared.
type cachedArchive struct {
	Path    string            `json:"path"`
	RelPath string            `json:"rel_path"`
	ModTime int64             `json:"mtime"`
	Size    int64             `json:"size"`
	SHA256  string            `json:"sha256"`
	MD5     string            `json:"md5,omitempty"`
	SHA1    string            `json:"sha1,omitempty"`
	Control map[string]string `json:"control"`
	Files   []string          `json:"files"`
}

// indexState is the incremental scanner state persisted at
// layout.RepoIndexState().
type indexState struct {
	Archives map[string]cachedArchive `json:"archives"`
}

func loadIndexState(path string) (*indexState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &indexState{Archives: map[string]cachedArchive{}}, nil
		}
		return nil, cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}
	var st indexState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt incremental cache is not data loss: fall back to a
		// full rescan rather than failing the refresh outright.
		return &indexState{Archives: map[string]cachedArchive{}}, nil
	}
	if st.Archives == nil {
		st.Archives = map[string]cachedArchive{}
	}
	return &st, nil
}

func saveIndexState(path string, st *indexState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return cielerr.Wrap(cielerr.SchemaError, err).WithPath(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cielerr.Wrap(cielerr.IoError, err).WithPath(path)
	}
	return nil
}

func (c cachedArchive) toParsedArchive() *ParsedArchive {
	return &ParsedArchive{
		Path:    c.Path,
		RelPath: c.RelPath,
		Size:    c.Size,
		SHA256:  c.SHA256,
		MD5:     c.MD5,
		SHA1:    c.SHA1,
		Control: c.Control,
		Files:   c.Files,
	}
}

func toCachedArchive(pa *ParsedArchive, modTime int64) cachedArchive {
	return cachedArchive{
		Path: pa.Path, RelPath: pa.RelPath, ModTime: modTime, Size: pa.Size,
		SHA256: pa.SHA256, MD5: pa.MD5, SHA1: pa.SHA1,
		Control: pa.Control, Files: pa.Files,
	}
}
