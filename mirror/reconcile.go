package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Reconcile walks root and diffs every entry against store, handing each
// divergence to policy. Directories recorded in the snapshot that the walk
// never entered are reported through policy.OnMissing(KindDir, …) once the
// walk is done, except below a directory that was already reported.
func Reconcile(ctx context.Context, root string, store *Store, policy Policy, opts Options) error {
	l := sub("reconcile")
	l.Info("reconcile starting", "root", root, "db", store.Path())
	start := time.Now()

	dirs, err := store.ListDirs(ctx)
	if err != nil {
		return err
	}

	r := &reconciler{
		ctx:     ctx,
		store:   store,
		policy:  policy,
		codec:   opts.codec(),
		fp:      NewFingerprinter(),
		pending: mapset.NewThreadUnsafeSet(dirs...),
		covered: mapset.NewThreadUnsafeSet[string](),
	}
	if err := NewWalker(opts.Ignore).Walk(ctx, root, r); err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	if err := r.finish(); err != nil {
		return err
	}

	l.Info("reconcile complete",
		"root", root,
		"visited", r.visited,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

type dirFrame struct {
	dir     string // storage-encoded
	entries *EntryMap
}

// reconciler is the walk handler of Reconcile. It keeps one EntryMap per
// open directory, mirroring the walker's own stack.
type reconciler struct {
	ctx    context.Context
	store  *Store
	policy Policy
	codec  *StorageCodec
	fp     *Fingerprinter

	// pending holds snapshot directories not entered yet.
	pending mapset.Set[string]
	// covered holds snapshot directories already reported as missing or
	// mismatched; nothing below them is reported again.
	covered mapset.Set[string]

	frames  []dirFrame
	visited int
}

func (r *reconciler) DirStart(rel []byte) error {
	b, err := r.codec.ToStorage(rel)
	if err != nil {
		return err
	}
	dir := string(b)
	r.pending.Remove(dir)

	entries, err := r.store.ListByDir(r.ctx, dir)
	if err != nil {
		return err
	}
	r.frames = append(r.frames, dirFrame{dir: dir, entries: entries})
	return nil
}

func (r *reconciler) Visit(e *VisitEntry) (bool, error) {
	r.visited++
	top := &r.frames[len(r.frames)-1]

	name, err := r.codec.ToStorage(e.Name)
	if err != nil {
		return false, err
	}
	view := ViewOf(name)
	path := string(e.Path)

	expected, ok := top.entries.Lookup(view)
	if !ok {
		return false, r.policy.OnUnexpected(r.ctx, e.Stat.Kind, path)
	}

	actual := EntryRecord{Kind: e.Stat.Kind}
	if expected.Kind == actual.Kind {
		if actual, err = liveRecord(e, r.fp); err != nil {
			return false, err
		}
	}

	matched, err := r.policy.OnPresent(r.ctx, path, expected, actual)
	top.entries.Remove(view)
	if err != nil {
		return false, err
	}
	if !matched && expected.Kind == KindDir {
		r.covered.Add(joinRel(top.dir, string(name)))
	}
	if logEnabled(slog.LevelDebug) {
		sub("reconcile").Debug("checked", "path", path, "kind", actual.Kind, "matched", matched)
	}
	return matched, nil
}

func (r *reconciler) DirEnd(rel []byte) error {
	top := r.frames[len(r.frames)-1]
	r.frames = r.frames[:len(r.frames)-1]
	if top.entries.Len() == 0 {
		return nil
	}

	type missing struct {
		name string
		kind Kind
	}
	left := make([]missing, 0, top.entries.Len())
	top.entries.Each(func(name string, rec EntryRecord) error { //nolint:errcheck
		left = append(left, missing{name: name, kind: rec.Kind})
		return nil
	})
	sort.Slice(left, func(i, j int) bool { return left[i].name < left[j].name })

	dir := string(rel)
	for _, m := range left {
		sysName, err := r.codec.FromStorageString(m.name)
		if err != nil {
			return err
		}
		if m.kind == KindDir {
			r.covered.Add(joinRel(top.dir, m.name))
		}
		if err := r.policy.OnMissing(r.ctx, m.kind, joinRel(dir, sysName)); err != nil {
			return err
		}
	}
	return nil
}

// finish reports the snapshot directories the walk never entered.
func (r *reconciler) finish() error {
	if r.pending.Cardinality() == 0 {
		return nil
	}
	l := sub("reconcile")

	remaining := r.pending.ToSlice()
	sort.Strings(remaining)
	for _, dir := range remaining {
		if r.coveredBy(dir) {
			continue
		}
		r.covered.Add(dir)

		path, err := r.codec.FromStorageString(dir)
		if err != nil {
			return err
		}
		if path == "" {
			path = "."
		}
		l.Warn("snapshot directory not found in the file system", "path", path)
		if err := r.policy.OnMissing(r.ctx, KindDir, path); err != nil {
			return err
		}
	}
	return nil
}

// coveredBy reports whether dir or one of its ancestors was already
// reported.
func (r *reconciler) coveredBy(dir string) bool {
	if r.covered.Contains(dir) {
		return true
	}
	for dir != "" {
		if i := strings.LastIndexByte(dir, '/'); i >= 0 {
			dir = dir[:i]
		} else {
			dir = ""
		}
		if r.covered.Contains(dir) {
			return true
		}
	}
	return false
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
