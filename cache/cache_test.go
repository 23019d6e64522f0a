package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnworks/kiln/types"
)

// keyFor returns the sha256 checksum key of content.
func keyFor(t *testing.T, content []byte) types.ChecksumKey {
	t.Helper()
	sum := sha256.Sum256(content)
	key, err := types.ParseChecksumKey("sha256:" + hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return key
}

func publish(t *testing.T, s *Store, key types.ChecksumKey, content []byte) string {
	t.Helper()
	staged, err := s.Stage(key)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := staged.Write(content); err != nil {
		t.Fatalf("write staged: %v", err)
	}
	path, err := s.Commit(staged, key)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return path
}

func TestStageCommitResolve(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("hello kiln")
	key := keyFor(t, content)

	// Miss before publish.
	if _, ok, err := s.Resolve(key); err != nil || ok {
		t.Fatalf("Resolve before publish = (%v, %v), want miss", ok, err)
	}

	path := publish(t, s, key, content)
	if path != s.EntryPath(key) {
		t.Errorf("Commit path = %q, want %q", path, s.EntryPath(key))
	}

	got, ok, err := s.Resolve(key)
	if err != nil || !ok {
		t.Fatalf("Resolve after publish = (%v, %v), want hit", ok, err)
	}
	if got != path {
		t.Errorf("Resolve path = %q, want %q", got, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("entry content = %q, want %q", data, content)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat entry: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("entry mode = %v, want 0444", info.Mode().Perm())
	}
	if !filepath.IsAbs(path) {
		t.Errorf("entry path %q is not absolute", path)
	}
}

func TestCommit_LastWriterWins(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("same bytes twice")
	key := keyFor(t, content)

	first := publish(t, s, key, content)
	second := publish(t, s, key, content)
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}

	data, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("entry content = %q", data)
	}
}

func TestDiscard(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := keyFor(t, []byte("doomed"))
	staged, err := s.Stage(key)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	name := staged.Name()
	s.Discard(staged)

	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("staged file still present after Discard: %v", err)
	}
	if _, ok, err := s.Resolve(key); err != nil || ok {
		t.Errorf("Resolve after Discard = (%v, %v), want miss", ok, err)
	}
}

func TestList(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	aContent := []byte("entry a")
	bContent := []byte("entry b")
	aKey := keyFor(t, aContent)
	bKey := keyFor(t, bContent)
	publish(t, s, aKey, aContent)
	publish(t, s, bKey, bContent)

	// A staged-but-never-committed file and a foreign file must be skipped.
	if _, err := s.Stage(aKey); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Key.String() > entries[1].Key.String() {
		t.Errorf("entries not sorted: %s, %s", entries[0].Key, entries[1].Key)
	}
	for _, e := range entries {
		if e.Size == 0 {
			t.Errorf("entry %s has zero size", e.Key)
		}
	}
}

func TestVerify(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := []byte("verified content")
	key := keyFor(t, content)
	path := publish(t, s, key, content)

	ok, err := s.Verify(key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify = false for intact entry")
	}

	// Tamper with the published bytes; Verify must notice.
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	ok, err = s.Verify(key)
	if err != nil {
		t.Fatalf("Verify tampered: %v", err)
	}
	if ok {
		t.Error("Verify = true for tampered entry")
	}
}

func TestOpen_RootIsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "occupied")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := Open(path)
	if err == nil {
		t.Fatal("expected error opening cache over a file")
	}
	if types.KindOf(err) != types.ErrorKindCacheIO {
		t.Errorf("KindOf = %s, want CacheIOError", types.KindOf(err))
	}
}

func TestResolve_EntryIsDirectory(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := keyFor(t, []byte("dir in the way"))
	if err := os.Mkdir(s.EntryPath(key), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, _, err = s.Resolve(key)
	if err == nil {
		t.Fatal("expected error resolving a directory entry")
	}
	if types.KindOf(err) != types.ErrorKindCacheIO {
		t.Errorf("KindOf = %s, want CacheIOError", types.KindOf(err))
	}
}
