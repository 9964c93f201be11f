package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// Options carries the collaborators shared by snapshot and reconcile walks.
type Options struct {
	// Codec translates path text to and from the store. Nil means UTF-8.
	Codec *StorageCodec
	// Ignore excludes entries from the walk. Nil ignores nothing.
	Ignore *IgnoreList
}

func (o Options) codec() *StorageCodec {
	if o.Codec == nil {
		return IdentityCodec()
	}
	return o.Codec
}

// SnapshotStats summarises a CreateSnapshot run.
type SnapshotStats struct {
	Files int
	Dirs  int
	Bytes uint64
}

// CreateSnapshot walks root and replaces the contents of store with one
// record per visited entry. The whole walk runs in one transaction: any
// failure rolls back and no partial snapshot is persisted.
func CreateSnapshot(ctx context.Context, root string, store *Store, opts Options) (SnapshotStats, error) {
	l := sub("snapshot")
	l.Info("snapshot starting", "root", root, "db", store.Path())
	start := time.Now()

	codec := opts.codec()
	var stats SnapshotStats
	err := store.WithTransaction(ctx, func(tx *Tx) error {
		if err := tx.Clear(ctx); err != nil {
			return err
		}

		h := &snapshotter{ctx: ctx, tx: tx, codec: codec, fp: NewFingerprinter()}
		if err := NewWalker(opts.Ignore).Walk(ctx, root, h); err != nil {
			return fmt.Errorf("walk %s: %w", root, err)
		}
		stats = h.stats

		storedRoot, err := codec.ToStorageString(root)
		if err != nil {
			return err
		}
		if err := tx.SetMeta(ctx, MetaRoot, storedRoot); err != nil {
			return err
		}
		return tx.SetMeta(ctx, MetaEncoding, codec.Name())
	})
	if err != nil {
		l.Error("snapshot failed, rolled back", "root", root, "err", err)
		return SnapshotStats{}, err
	}

	l.Info("snapshot complete",
		"root", root,
		"files", stats.Files,
		"dirs", stats.Dirs,
		"size", humanize.IBytes(stats.Bytes),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return stats, nil
}

// snapshotter is the walk handler of CreateSnapshot.
type snapshotter struct {
	ctx   context.Context
	tx    *Tx
	codec *StorageCodec
	fp    *Fingerprinter
	dirs  []string // storage-encoded path of each open directory
	stats SnapshotStats
}

func (s *snapshotter) DirStart(rel []byte) error {
	dir, err := s.codec.ToStorage(rel)
	if err != nil {
		return err
	}
	s.dirs = append(s.dirs, string(dir))
	return nil
}

func (s *snapshotter) DirEnd(_ []byte) error {
	s.dirs = s.dirs[:len(s.dirs)-1]
	return nil
}

func (s *snapshotter) Visit(e *VisitEntry) (bool, error) {
	name, err := s.codec.ToStorage(e.Name)
	if err != nil {
		return false, err
	}
	rec, err := liveRecord(e, s.fp)
	if err != nil {
		return false, err
	}
	if err := s.tx.Put(s.ctx, s.dirs[len(s.dirs)-1], string(name), rec); err != nil {
		return false, err
	}

	if rec.Kind == KindDir {
		s.stats.Dirs++
	} else {
		s.stats.Files++
		s.stats.Bytes += rec.Size
	}
	if logEnabled(slog.LevelDebug) {
		sub("snapshot").Debug("recorded", "path", string(e.Path), "kind", rec.Kind, "size", rec.Size, "digest", rec.Digest)
	}
	return true, nil
}

// liveRecord builds the record of a visited entry, fingerprinting regular
// files through their open descriptor.
func liveRecord(e *VisitEntry, fp *Fingerprinter) (EntryRecord, error) {
	if e.Stat.Kind == KindDir {
		return DirRecord(), nil
	}
	digest, n, err := fp.Sum(e.File)
	if err != nil {
		return EntryRecord{}, fmt.Errorf("fingerprint %s: %w", e.Path, err)
	}
	if n != e.Stat.Size {
		sub("fingerprint").Warn("file changed while reading", "path", string(e.Path), "stat", e.Stat.Size, "read", n)
	}
	return EntryRecord{
		Kind:       KindFile,
		Size:       uint64(e.Stat.Size),
		ModifiedAt: e.Stat.Mtime,
		Digest:     digest,
	}, nil
}
