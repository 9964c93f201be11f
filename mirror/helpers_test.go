package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// baseTime is the mtime given to every test file unless stated otherwise.
var baseTime = time.Unix(1_700_000_000, 0)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "test-mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// writeFile creates root/rel with content and a fixed mtime, creating
// parent directories as needed.
func writeFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	writeFileAt(t, root, rel, content, baseTime)
}

func writeFileAt(t *testing.T, root, rel string, content []byte, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, content, 0644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

// sampleTree builds a small tree with nested directories and returns its root.
//
//	a.txt
//	b.bin
//	docs/readme.md
//	docs/guide/intro.md
//	docs/guide/deep/notes.txt
//	empty/
func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("alpha"))
	writeFile(t, root, "b.bin", []byte{0, 1, 2, 3, 4, 5, 6, 7})
	writeFile(t, root, "docs/readme.md", []byte("# readme\n"))
	writeFile(t, root, "docs/guide/intro.md", []byte("intro"))
	writeFile(t, root, "docs/guide/deep/notes.txt", []byte("deep notes"))
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0755))
	return root
}

// copyTreeForTest duplicates src into dst with the same mtimes.
func copyTreeForTest(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return err
		}
		return os.Chtimes(target, info.ModTime(), info.ModTime())
	})
	require.NoError(t, err)
}

func snapshotOf(t *testing.T, root string, store *Store, opts Options) SnapshotStats {
	t.Helper()
	stats, err := CreateSnapshot(context.Background(), root, store, opts)
	require.NoError(t, err)
	return stats
}

func verifyTree(t *testing.T, root string, store *Store, opts Options) *Report {
	t.Helper()
	report := NewReport()
	require.NoError(t, Reconcile(context.Background(), root, store, NewVerify(report), opts))
	return report
}

// dumpEntries returns every stored row in key order.
func dumpEntries(t *testing.T, store *Store) []entryRow {
	t.Helper()
	var rows []entryRow
	require.NoError(t, store.db.Select(&rows, "SELECT dir, name, kind, size, mtime, digest FROM entries ORDER BY dir, name"))
	return rows
}
