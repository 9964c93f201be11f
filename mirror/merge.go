package mirror

import (
	"context"
	"errors"
	"os"

	"github.com/dustin/go-humanize"
)

// Merge repairs a destination tree by copying entries that the snapshot
// expects but the destination lacks from a source tree. It never deletes
// and never overwrites: extra destination entries are only reported, and
// content differences of present files are reported as not repaired.
type Merge struct {
	src    *os.File
	dst    *os.File
	srcFd  int
	dstFd  int
	walker *Walker
	report *Report
	buf    []byte
}

// NewMerge opens the source and destination roots. Relative paths handed
// to the policy are resolved against these handles. Close releases them.
func NewMerge(srcRoot, dstRoot string, report *Report, ignore *IgnoreList) (*Merge, error) {
	src, err := openRoot(srcRoot)
	if err != nil {
		return nil, err
	}
	dst, err := openRoot(dstRoot)
	if err != nil {
		src.Close()
		return nil, err
	}
	sub("merge").Info("merge roots opened", "src", srcRoot, "dst", dstRoot)
	return &Merge{
		src:    src,
		dst:    dst,
		srcFd:  int(src.Fd()),
		dstFd:  int(dst.Fd()),
		walker: NewWalker(ignore),
		report: report,
		buf:    make([]byte, copyChunkSize),
	}, nil
}

// Close releases both root handles.
func (m *Merge) Close() error {
	return errors.Join(m.src.Close(), m.dst.Close())
}

func (m *Merge) OnMissing(ctx context.Context, kind Kind, path string) error {
	sub("merge").Info("missing in destination, copying", "path", path, "kind", kind)
	m.report.Publish(Event{Type: EventMissing, Path: path, Kind: kind})
	if kind == KindDir {
		return m.copyTree(ctx, path)
	}
	m.copyFile(path)
	return nil
}

func (m *Merge) OnUnexpected(_ context.Context, kind Kind, path string) error {
	sub("merge").Warn("not in snapshot, leaving in place", "path", path, "kind", kind)
	m.report.Publish(Event{Type: EventUnexpected, Path: path, Kind: kind})
	return nil
}

// OnPresent reports differences. Only a type mismatch stops the walk from
// descending; changed file content is left as is.
func (m *Merge) OnPresent(_ context.Context, path string, expected, actual EntryRecord) (bool, error) {
	events := Compare(path, expected, actual)
	if len(events) == 0 {
		return true, nil
	}
	l := sub("merge")
	for _, e := range events {
		l.Warn("mismatch", "path", path, "type", e.Type, "db", e.Expected, "fs", e.Actual)
		m.report.Publish(e)
	}
	if events[0].Type == EventTypeMismatch {
		return false, nil
	}
	l.Warn("content differs, not repaired", "path", path)
	m.report.Publish(Event{Type: EventNotRepaired, Path: path, Kind: actual.Kind})
	return true, nil
}

func (m *Merge) copyFile(path string) {
	src, st, err := openFileAt(m.srcFd, path)
	if err != nil {
		m.fail(path, KindFile, err)
		return
	}
	defer src.Close()
	m.copyOpened(src, st, path)
}

func (m *Merge) copyOpened(src *os.File, st FileStat, path string) {
	n, err := copyFileAt(src, m.dstFd, path, st.Mtime, m.buf)
	if err != nil {
		m.fail(path, KindFile, err)
		return
	}
	sub("merge").Info("copied", "path", path, "size", humanize.IBytes(uint64(n)))
	m.report.Publish(Event{Type: EventCopied, Path: path, Kind: KindFile})
}

// copyTree creates the directory path in the destination and copies the
// source subtree below it. Failures are per entry; only cancellation
// aborts the reconciliation.
func (m *Merge) copyTree(ctx context.Context, path string) error {
	srcDir, err := openDirAt(m.srcFd, path)
	if err != nil {
		m.fail(path, KindDir, err)
		return nil
	}
	if err := mkdirAt(m.dstFd, path); err != nil {
		srcDir.Close()
		m.fail(path, KindDir, err)
		return nil
	}
	m.report.Publish(Event{Type: EventCopied, Path: path, Kind: KindDir})

	if err := m.walker.walkFrom(ctx, srcDir, path, &treeCopier{m: m}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.fail(path, KindDir, err)
	}
	return nil
}

func (m *Merge) fail(path string, kind Kind, err error) {
	ce := &CopyError{Path: path, Err: err}
	sub("merge").Error("copy failed", "path", path, "kind", kind, "err", ce.Err)
	m.report.Publish(Event{Type: EventCopyFailed, Path: path, Kind: kind, Err: ce.Error()})
}

// treeCopier is the walk handler of a nested subtree copy. Paths arrive
// relative to the source root, which are also the destination paths.
type treeCopier struct {
	m *Merge
}

func (c *treeCopier) DirStart(_ []byte) error { return nil }
func (c *treeCopier) DirEnd(_ []byte) error   { return nil }

func (c *treeCopier) Visit(e *VisitEntry) (bool, error) {
	path := string(e.Path)
	if e.Stat.IsDir() {
		if err := mkdirAt(c.m.dstFd, path); err != nil {
			c.m.fail(path, KindDir, err)
			return false, nil
		}
		c.m.report.Publish(Event{Type: EventCopied, Path: path, Kind: KindDir})
		return true, nil
	}
	c.m.copyOpened(e.File, e.Stat, path)
	return false, nil
}
