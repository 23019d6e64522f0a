// Package cache implements the checksum-addressed content cache.
//
// Entries are plain files named by their canonical checksum key
// ("<algorithm>:<hexdigest>") directly under the cache root. An entry
// is immutable once published: writers stage content into a hidden temp
// file in the same directory and rename it into place, so concurrent
// readers only ever observe absent or complete entries. The directory
// is shared across processes; no in-process lock crosses that boundary,
// and racing writers of the same key resolve last-writer-wins with
// identical content.
package cache

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnworks/kiln/types"
)

// entryMode is the file mode for published entries. Read-only: entries
// are content-addressed and never mutated in place.
const entryMode fs.FileMode = 0o444

// Store is a handle on a cache directory.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there. The root is
// resolved to an absolute path so entry paths remain valid in replies
// regardless of the caller's working directory.
func Open(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &IOError{Op: "open", Path: dir, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &IOError{Op: "open", Path: abs, Err: err}
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute cache root.
func (s *Store) Dir() string {
	return s.dir
}

// EntryPath returns the canonical path an entry for key would occupy.
// It does not check existence; use Resolve for that.
func (s *Store) EntryPath(key types.ChecksumKey) string {
	return filepath.Join(s.dir, key.String())
}

// Resolve reports whether key is published, returning the entry path on
// a hit. Absence is not an error; anything else wrong with the cache is.
func (s *Store) Resolve(key types.ChecksumKey) (string, bool, error) {
	path := s.EntryPath(key)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &IOError{Op: "resolve", Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", false, &IOError{Op: "resolve", Path: path, Err: errors.New("entry is not a regular file")}
	}
	return path, true, nil
}

// Stage creates a hidden temp file in the cache directory for key.
// The caller writes the downloaded content into it and then either
// publishes it with Commit or drops it with Discard. Staging in the
// cache directory itself keeps the final rename on one filesystem.
func (s *Store) Stage(key types.ChecksumKey) (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "."+key.String()+".*")
	if err != nil {
		return nil, &IOError{Op: "stage", Path: s.dir, Err: err}
	}
	return f, nil
}

// Commit publishes a fully-written staged file as the entry for key and
// returns the entry path. The content is synced before the rename so a
// crash cannot publish a truncated entry. The rename is atomic; if
// another process published the same key first, the newer identical
// content replaces it.
func (s *Store) Commit(staged *os.File, key types.ChecksumKey) (string, error) {
	tmpPath := staged.Name()
	if err := staged.Sync(); err != nil {
		s.Discard(staged)
		return "", &IOError{Op: "publish", Path: tmpPath, Err: err}
	}
	if err := staged.Chmod(entryMode); err != nil {
		s.Discard(staged)
		return "", &IOError{Op: "publish", Path: tmpPath, Err: err}
	}
	if err := staged.Close(); err != nil {
		s.Discard(staged)
		return "", &IOError{Op: "publish", Path: tmpPath, Err: err}
	}

	path := s.EntryPath(key)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", &IOError{Op: "publish", Path: path, Err: err}
	}
	return path, nil
}

// Discard removes a staged file that will not be published. Safe to
// call after a failed Commit.
func (s *Store) Discard(staged *os.File) {
	_ = staged.Close()
	_ = os.Remove(staged.Name())
}

// Entry describes one published cache entry.
type Entry struct {
	Key  types.ChecksumKey
	Path string
	Size int64
}

// List enumerates published entries sorted by key. Staged temp files
// and foreign files are skipped, not errors: the directory is shared
// and external tooling may park other state there.
func (s *Store) List() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: s.dir, Err: err}
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if strings.HasPrefix(de.Name(), ".") || !de.Type().IsRegular() {
			continue
		}
		key, err := types.ParseChecksumKey(de.Name())
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, &IOError{Op: "list", Path: filepath.Join(s.dir, de.Name()), Err: err}
		}
		entries = append(entries, Entry{
			Key:  key,
			Path: filepath.Join(s.dir, de.Name()),
			Size: info.Size(),
		})
	}
	return entries, nil
}

// Verify re-hashes the published entry for key and reports whether the
// content still matches its digest. A missing entry is an IOError here,
// not a miss: callers verify entries they already listed or resolved.
func (s *Store) Verify(key types.ChecksumKey) (bool, error) {
	path := s.EntryPath(key)
	f, err := os.Open(path)
	if err != nil {
		return false, &IOError{Op: "verify", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	h, err := key.Algorithm.New()
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return false, &IOError{Op: "verify", Path: path, Err: err}
	}
	return types.DigestString(h) == key.Digest, nil
}
