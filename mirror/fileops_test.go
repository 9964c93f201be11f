package mirror

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openTestDir(t *testing.T, path string) int {
	t.Helper()
	d, err := openRoot(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return int(d.Fd())
}

func TestCopyFileAt_Basic(t *testing.T) {
	srcRoot, dstRoot := t.TempDir(), t.TempDir()
	content := bytes.Repeat([]byte("chunk"), copyChunkSize/5+123)
	writeFile(t, srcRoot, "sub/file.bin", content)
	require.NoError(t, os.Mkdir(filepath.Join(dstRoot, "sub"), 0755))

	src, st, err := openFileAt(openTestDir(t, srcRoot), "sub/file.bin")
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, int64(len(content)), st.Size)

	n, err := copyFileAt(src, openTestDir(t, dstRoot), "sub/file.bin", st.Mtime, make([]byte, copyChunkSize))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	got, err := os.ReadFile(filepath.Join(dstRoot, "sub", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	info, err := os.Stat(filepath.Join(dstRoot, "sub", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Unix(), info.ModTime().Unix())
}

func TestCopyFileAt_NeverOverwrites(t *testing.T) {
	srcRoot, dstRoot := t.TempDir(), t.TempDir()
	writeFile(t, srcRoot, "f.txt", []byte("new"))
	writeFile(t, dstRoot, "f.txt", []byte("existing"))

	src, st, err := openFileAt(openTestDir(t, srcRoot), "f.txt")
	require.NoError(t, err)
	defer src.Close()

	_, err = copyFileAt(src, openTestDir(t, dstRoot), "f.txt", st.Mtime, make([]byte, 16))
	assert.ErrorIs(t, err, unix.EEXIST)

	got, err := os.ReadFile(filepath.Join(dstRoot, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "existing", string(got))
}

func TestCopyFileAt_RemovesPartialOnFailure(t *testing.T) {
	srcRoot, dstRoot := t.TempDir(), t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(srcRoot, "d"), 0755))

	// Reading a directory fails with EISDIR after the destination is created.
	src, err := openDirAt(openTestDir(t, srcRoot), "d")
	require.NoError(t, err)
	defer src.Close()

	_, err = copyFileAt(src, openTestDir(t, dstRoot), "out.txt", 0, make([]byte, 16))
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(dstRoot, "out.txt"))
	assert.True(t, os.IsNotExist(err), "partial destination must be removed")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestCopyChunks_WriteError(t *testing.T) {
	_, err := copyChunks(failingWriter{}, bytes.NewReader([]byte("data")), make([]byte, 2))
	assert.ErrorContains(t, err, "disk full")
}

func TestOpenFileAt_RejectsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0755))

	_, _, err := openFileAt(openTestDir(t, root), "d")
	assert.Error(t, err)
}

func TestMkdirAt(t *testing.T) {
	root := t.TempDir()
	fd := openTestDir(t, root)

	require.NoError(t, mkdirAt(fd, "a"))
	require.NoError(t, mkdirAt(fd, "a/b"))
	info, err := os.Stat(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.ErrorIs(t, mkdirAt(fd, "a"), os.ErrExist)
}

func TestCopyFileAt_SymlinkedParentNotFollowed(t *testing.T) {
	srcRoot, dstRoot, outside := t.TempDir(), t.TempDir(), t.TempDir()
	writeFile(t, srcRoot, "docs/guide/new.txt", []byte("new"))
	require.NoError(t, os.Mkdir(filepath.Join(dstRoot, "docs"), 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dstRoot, "docs", "guide")))

	src, st, err := openFileAt(openTestDir(t, srcRoot), "docs/guide/new.txt")
	require.NoError(t, err)
	defer src.Close()

	dstFd := openTestDir(t, dstRoot)
	_, err = copyFileAt(src, dstFd, "docs/guide/new.txt", st.Mtime, make([]byte, copyChunkSize))
	require.ErrorIs(t, err, errTypeChanged)
	assert.ErrorIs(t, mkdirAt(dstFd, "docs/guide/sub"), errTypeChanged)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenFileAt_SymlinkedParentNotFollowed(t *testing.T) {
	root, outside := t.TempDir(), t.TempDir()
	writeFile(t, outside, "secret.txt", []byte("s"))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	fd := openTestDir(t, root)

	_, _, err := openFileAt(fd, "link/secret.txt")
	assert.ErrorIs(t, err, errTypeChanged)

	_, err = openDirAt(fd, "link/sub")
	assert.ErrorIs(t, err, errTypeChanged)
}

func TestResolveParentAt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0755))
	fd := openTestDir(t, root)

	p, err := resolveParentAt(fd, "top.txt")
	require.NoError(t, err)
	assert.Equal(t, fd, p.fd)
	assert.Equal(t, "top.txt", p.name)
	p.Close()

	p, err = resolveParentAt(fd, "a/b/leaf")
	require.NoError(t, err)
	assert.NotEqual(t, fd, p.fd)
	assert.Equal(t, "leaf", p.name)
	p.Close()

	_, err = resolveParentAt(fd, "a/../../etc/passwd")
	assert.ErrorIs(t, err, errTypeChanged)

	_, err = resolveParentAt(fd, "missing/leaf")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
