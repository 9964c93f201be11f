package mirror

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const copyChunkSize = 256 * 1024 // 256KB per chunk

// copyFileAt copies src into a new file rel under dstDirFd. The destination
// is created exclusively: an existing file is never overwritten. On any
// failure the partially written destination is removed. The source mtime
// is carried over so that the copy verifies against the same snapshot.
func copyFileAt(src *os.File, dstDirFd int, rel string, mtime int64, buf []byte) (int64, error) {
	parent, err := resolveParentAt(dstDirFd, rel)
	if err != nil {
		return 0, fmt.Errorf("create dst: %w", err)
	}
	defer parent.Close()

	var fd int
	err = ignoringEINTR(func() (err error) {
		fd, err = unix.Openat(parent.fd, parent.name, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0644)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create dst: %w", err)
	}
	dst := os.NewFile(uintptr(fd), rel)

	n, copyErr := copyChunks(dst, src, buf)
	closeErr := dst.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("close dst: %w", closeErr)
	}
	if copyErr == nil {
		ts := []unix.Timespec{unix.NsecToTimespec(mtime * 1e9), unix.NsecToTimespec(mtime * 1e9)}
		if err := unix.UtimesNanoAt(parent.fd, parent.name, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			copyErr = fmt.Errorf("set mtime: %w", err)
		}
	}
	if copyErr != nil {
		unix.Unlinkat(parent.fd, parent.name, 0) //nolint:errcheck
		return n, copyErr
	}
	return n, nil
}

// parentDir is the directory holding the last component of a relative path.
type parentDir struct {
	dir  *os.File // nil when the parent is the starting descriptor
	fd   int
	name string
}

func (p parentDir) Close() {
	if p.dir != nil {
		p.dir.Close()
	}
}

// resolveParentAt opens the directories of rel below dirFd one component at
// a time with O_NOFOLLOW. A component that is no longer a directory fails
// with errTypeChanged.
func resolveParentAt(dirFd int, rel string) (parentDir, error) {
	i := strings.LastIndexByte(rel, '/')
	if i < 0 {
		return parentDir{fd: dirFd, name: rel}, nil
	}
	p := parentDir{fd: dirFd, name: rel[i+1:]}
	for _, part := range strings.Split(rel[:i], "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			p.Close()
			return parentDir{}, fmt.Errorf("resolve %q: %w", rel, errTypeChanged)
		}
		next, _, err := openAt(p.fd, part, KindDir)
		p.Close()
		if err != nil {
			return parentDir{}, fmt.Errorf("resolve %q: %w", rel, err)
		}
		p.dir, p.fd = next, int(next.Fd())
	}
	return p, nil
}

// copyChunks streams src into dst in copyChunkSize chunks.
func copyChunks(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, fmt.Errorf("write dst: %w", writeErr)
			}
			total += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read src: %w", readErr)
		}
	}
}

// openFileAt opens the regular file rel below dirFd for reading.
func openFileAt(dirFd int, rel string) (*os.File, FileStat, error) {
	parent, err := resolveParentAt(dirFd, rel)
	if err != nil {
		return nil, FileStat{}, err
	}
	defer parent.Close()
	return openAt(parent.fd, parent.name, KindFile)
}

// openDirAt opens the directory rel below dirFd.
func openDirAt(dirFd int, rel string) (*os.File, error) {
	parent, err := resolveParentAt(dirFd, rel)
	if err != nil {
		return nil, err
	}
	defer parent.Close()
	f, _, err := openAt(parent.fd, parent.name, KindDir)
	return f, err
}

// mkdirAt creates the directory rel below dirFd.
func mkdirAt(dirFd int, rel string) error {
	parent, err := resolveParentAt(dirFd, rel)
	if err != nil {
		return err
	}
	defer parent.Close()
	return ignoringEINTR(func() error {
		return unix.Mkdirat(parent.fd, parent.name, 0755)
	})
}
