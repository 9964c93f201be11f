package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

const readdirBatch = 256

// errTypeChanged means an entry was replaced between fstatat and openat.
var errTypeChanged = errors.New("entry changed type while being opened")

// Handler receives the structural events of a walk.
//
// The byte slices passed to a Handler are views into the walker's path
// buffer and are only valid for the duration of the call.
type Handler interface {
	// DirStart is called when the walker enters a directory, before any of
	// its entries. rel is the directory's path relative to the walk root.
	DirStart(rel []byte) error
	// DirEnd is called after every entry of the directory has been visited.
	DirEnd(rel []byte) error
	// Visit is called for each regular file and directory. Returning false
	// keeps the walker from descending into a directory.
	Visit(e *VisitEntry) (descend bool, err error)
}

// VisitEntry describes one entry handed to Handler.Visit. File is open for
// reading and is closed by the walker after Visit returns (or after the
// directory is exhausted, when the walker descends into it).
type VisitEntry struct {
	Stat FileStat
	File *os.File
	Dir  []byte // parent directory, relative to the walk root
	Name []byte // entry name
	Path []byte // Dir + "/" + Name, or Name at the root
}

// Walker traverses a directory tree relative to open directory handles, so
// no path component is resolved twice between checking and using it.
type Walker struct {
	ignore *IgnoreList
	batch  int
}

// NewWalker creates a walker. ignore may be nil.
func NewWalker(ignore *IgnoreList) *Walker {
	return &Walker{ignore: ignore, batch: readdirBatch}
}

// frame is one open directory on the traversal stack.
type frame struct {
	dir     *os.File
	fd      int
	nameLen int // bytes this directory added to the path buffer, separator included
	names   []string
	pos     int
	eof     bool
}

// Walk opens root by path and traverses it depth-first.
// Permission denied on the root is logged and treated as an empty walk;
// any other failure to open it is returned.
func (w *Walker) Walk(ctx context.Context, root string, h Handler) error {
	l := sub("walker")

	dir, err := openRoot(root)
	if err != nil {
		if IsIgnorable(err) {
			l.Warn("no access to root, nothing to walk", "root", root, "err", err)
			return nil
		}
		return err
	}
	l.Debug("walk start", "root", root)
	return w.walkFrom(ctx, dir, "", h)
}

// walkFrom traverses the already open directory dir, whose path relative
// to the caller's root is base. walkFrom takes ownership of dir.
func (w *Walker) walkFrom(ctx context.Context, dir *os.File, base string, h Handler) error {
	l := sub("walker")

	path := make([]byte, 0, 256)
	path = append(path, base...)

	stack := make([]frame, 0, 16)
	stack = append(stack, frame{dir: dir, fd: int(dir.Fd())})
	defer func() {
		// Unwinding on error: every directory still on the stack is open.
		for i := range stack {
			stack[i].dir.Close()
		}
	}()

	if err := h.DirStart(path); err != nil {
		return err
	}

	var entry VisitEntry
	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.pos == len(top.names) {
			if !top.eof {
				if err := ctx.Err(); err != nil {
					return err
				}
				names, err := top.dir.Readdirnames(w.batch)
				if err == io.EOF {
					top.eof = true
				} else if err != nil {
					return &fs.PathError{Op: "readdir", Path: displayPath(path), Err: err}
				}
				top.names, top.pos = names, 0
				continue
			}

			if err := h.DirEnd(path); err != nil {
				return err
			}
			nameLen := top.nameLen
			closeErr := top.dir.Close()
			stack = stack[:len(stack)-1]
			if closeErr != nil {
				return &fs.PathError{Op: "close", Path: displayPath(path), Err: closeErr}
			}
			path = path[:len(path)-nameLen]
			continue
		}

		name := top.names[top.pos]
		top.names[top.pos] = ""
		top.pos++
		if name == "." || name == ".." {
			continue
		}

		dirLen := len(path)
		if dirLen > 0 {
			path = append(path, '/')
		}
		nameStart := len(path)
		path = append(path, name...)

		kind, err := lstatAt(top.fd, name)
		if err == nil && kind == 0 {
			if logEnabled(slog.LevelDebug) {
				l.Debug("neither a regular file nor a directory, skipping", "path", string(path))
			}
			path = path[:dirLen]
			continue
		}
		if err == nil && w.ignore.Matches(path, kind == KindDir) {
			if logEnabled(slog.LevelDebug) {
				l.Debug("ignored", "path", string(path))
			}
			path = path[:dirLen]
			continue
		}

		var f *os.File
		var st FileStat
		if err == nil {
			f, st, err = openAt(top.fd, name, kind)
		}
		if err != nil {
			switch {
			case IsIgnorable(err):
				l.Warn("no access, skipping", "path", string(path), "err", err)
			case errors.Is(err, errTypeChanged):
				l.Warn("entry changed while walking, skipping", "path", string(path))
			default:
				return &fs.PathError{Op: "openat", Path: displayPath(path), Err: err}
			}
			path = path[:dirLen]
			continue
		}

		entry = VisitEntry{Stat: st, File: f, Dir: path[:dirLen], Name: path[nameStart:], Path: path}
		descend, err := h.Visit(&entry)
		entry = VisitEntry{}
		if err != nil {
			f.Close()
			return err
		}

		if st.IsDir() && descend {
			stack = append(stack, frame{dir: f, fd: int(f.Fd()), nameLen: len(path) - dirLen})
			if logEnabled(slog.LevelDebug) {
				l.Debug("enter dir", "path", string(path), "depth", len(stack)-1)
			}
			if err := h.DirStart(path); err != nil {
				return err
			}
			continue
		}

		if err := f.Close(); err != nil {
			l.Warn("close failed", "path", string(path), "err", err)
		}
		path = path[:dirLen]
	}
	return nil
}

func displayPath(rel []byte) string {
	if len(rel) == 0 {
		return "."
	}
	return string(rel)
}

func openRoot(root string) (*os.File, error) {
	var fd int
	err := ignoringEINTR(func() (err error) {
		fd, err = unix.Open(root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: root, Err: err}
	}
	return os.NewFile(uintptr(fd), root), nil
}

// lstatAt returns the kind of name inside dirFd without following
// symlinks. Kind 0 means neither a regular file nor a directory.
func lstatAt(dirFd int, name string) (Kind, error) {
	var st unix.Stat_t
	err := ignoringEINTR(func() error {
		return unix.Fstatat(dirFd, name, &st, unix.AT_SYMLINK_NOFOLLOW)
	})
	if err != nil {
		return 0, err
	}
	return kindOf(uint32(st.Mode)), nil //nolint:unconvert
}

// openAt opens name inside dirFd and confirms, on the opened descriptor,
// that it still has the expected kind.
func openAt(dirFd int, name string, kind Kind) (*os.File, FileStat, error) {
	flags := unix.O_RDONLY | unix.O_CLOEXEC | unix.O_NOFOLLOW
	if kind == KindDir {
		flags |= unix.O_DIRECTORY
	} else {
		// A FIFO swapped in after fstatat must not block the open.
		flags |= unix.O_NONBLOCK
	}

	var fd int
	err := ignoringEINTR(func() (err error) {
		fd, err = unix.Openat(dirFd, name, flags, 0)
		return err
	})
	if err != nil {
		if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.ENOTDIR) {
			return nil, FileStat{}, errTypeChanged
		}
		return nil, FileStat{}, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, FileStat{}, fmt.Errorf("fstat: %w", err)
	}
	stat := statOf(&st)
	if stat.Kind != kind {
		unix.Close(fd)
		return nil, FileStat{}, errTypeChanged
	}
	return os.NewFile(uintptr(fd), name), stat, nil
}

func statOf(st *unix.Stat_t) FileStat {
	return FileStat{
		Inode: uint64(st.Ino),          //nolint:unconvert
		Kind:  kindOf(uint32(st.Mode)), //nolint:unconvert
		Size:  st.Size,
		Mtime: statMtime(st),
	}
}

func kindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindFile
	case unix.S_IFDIR:
		return KindDir
	}
	return 0
}

func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != unix.EINTR {
			return err
		}
	}
}
