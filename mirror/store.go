package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
)

const (
	putEntryQuery = `
		INSERT INTO entries (dir, name, kind, size, mtime, digest)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dir, name) DO UPDATE SET
			kind   = excluded.kind,
			size   = excluded.size,
			mtime  = excluded.mtime,
			digest = excluded.digest`
	getEntryQuery = `
		SELECT dir, name, kind, size, mtime, digest
		FROM entries WHERE dir = ? AND name = ?`
	listDirQuery = `
		SELECT dir, name, kind, size, mtime, digest
		FROM entries WHERE dir = ?`
)

// Meta keys written by CreateSnapshot.
const (
	MetaRoot     = "root"
	MetaEncoding = "encoding"
)

// entryRow is the scan target for the entries table.
type entryRow struct {
	Dir    string        `db:"dir"`
	Name   string        `db:"name"`
	Kind   string        `db:"kind"`
	Size   sql.NullInt64 `db:"size"`
	Mtime  sql.NullInt64 `db:"mtime"`
	Digest []byte        `db:"digest"`
}

func (r *entryRow) record() (EntryRecord, error) {
	kind, err := parseKind(r.Kind)
	if err != nil {
		return EntryRecord{}, fmt.Errorf("entry %q in %q: %w", r.Name, r.Dir, err)
	}
	rec := EntryRecord{Kind: kind}
	if kind != KindFile {
		return rec, nil
	}
	if !r.Size.Valid || !r.Mtime.Valid || len(r.Digest) != DigestSize {
		return EntryRecord{}, fmt.Errorf("entry %q in %q: incomplete file record", r.Name, r.Dir)
	}
	rec.Size = uint64(r.Size.Int64)
	rec.ModifiedAt = r.Mtime.Int64
	copy(rec.Digest[:], r.Digest)
	return rec, nil
}

// putArgs returns the column values for rec. Directories store NULLs.
func putArgs(dir, name string, rec EntryRecord) []any {
	if rec.Kind != KindFile {
		return []any{dir, name, rec.Kind.String(), nil, nil, nil}
	}
	digest := rec.Digest
	return []any{dir, name, rec.Kind.String(), int64(rec.Size), rec.ModifiedAt, digest[:]}
}

// Store is the persistent snapshot: one record per (dir, name). Dir and
// name are storage-encoded; "" is the snapshot root.
type Store struct {
	path string
	db   *sqlx.DB
	lock *flock.Flock

	getEntry *sqlx.Stmt
	listDir  *sqlx.Stmt
}

// OpenStore opens (or creates) the snapshot store at path. The store is
// locked for the lifetime of the returned Store; a concurrent opener gets
// ErrStoreLocked.
func OpenStore(path string) (*Store, error) {
	l := sub("store")

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock snapshot store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrStoreLocked)
	}

	db, err := openDBAt(path)
	if err != nil {
		lock.Unlock() //nolint:errcheck
		return nil, err
	}

	s := &Store{path: path, db: db, lock: lock}
	if s.getEntry, err = db.Preparex(getEntryQuery); err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("prepare get entry: %w", err)
	}
	if s.listDir, err = db.Preparex(listDirQuery); err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("prepare list dir: %w", err)
	}

	l.Info("snapshot store opened", "path", path)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the prepared statements, the connection and the lock.
func (s *Store) Close() error {
	var errs []error
	for _, stmt := range []*sqlx.Stmt{s.getEntry, s.listDir} {
		if stmt != nil {
			errs = append(errs, stmt.Close())
		}
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	sub("store").Debug("snapshot store closed", "path", s.path)
	return errors.Join(errs...)
}

// Put inserts or replaces a single record outside of any transaction.
func (s *Store) Put(ctx context.Context, dir, name string, rec EntryRecord) error {
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("Put", "dir", dir, "name", name, "kind", rec.Kind)
	}
	if _, err := s.db.ExecContext(ctx, putEntryQuery, putArgs(dir, name, rec)...); err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

// GetOne retrieves the record of name inside dir.
func (s *Store) GetOne(ctx context.Context, dir, name string) (EntryRecord, bool, error) {
	var row entryRow
	err := s.getEntry.GetContext(ctx, &row, dir, name)
	if errors.Is(err, sql.ErrNoRows) {
		if logEnabled(slog.LevelDebug) {
			sub("store").Debug("GetOne", "dir", dir, "name", name, "found", false)
		}
		return EntryRecord{}, false, nil
	}
	if err != nil {
		return EntryRecord{}, false, fmt.Errorf("get entry: %w", err)
	}
	rec, err := row.record()
	if err != nil {
		return EntryRecord{}, false, err
	}
	return rec, true, nil
}

// ListByDir returns every record directly inside dir.
func (s *Store) ListByDir(ctx context.Context, dir string) (*EntryMap, error) {
	rows, err := s.listDir.QueryxContext(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}
	defer rows.Close()

	m := NewEntryMap(0)
	var row entryRow
	for rows.Next() {
		row.Digest = nil
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		m.Put(NewNameKey(row.Name), rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("ListByDir", "dir", dir, "count", m.Len())
	}
	return m, nil
}

// ListDirs returns every distinct directory that has at least one record.
func (s *Store) ListDirs(ctx context.Context) ([]string, error) {
	var dirs []string
	if err := s.db.SelectContext(ctx, &dirs, "SELECT DISTINCT dir FROM entries"); err != nil {
		return nil, fmt.Errorf("list dirs: %w", err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("ListDirs", "count", len(dirs))
	}
	return dirs, nil
}

// Count returns the number of records in the snapshot.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Meta returns the value stored under key in the meta table.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, "SELECT value FROM meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, true, nil
}

// WithTransaction runs fn inside a write transaction. If fn returns an
// error (or panics) the transaction is rolled back and the error
// propagates; otherwise it is committed.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	l := sub("store")

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback() //nolint:errcheck
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				l.Error("rollback failed", "err", rbErr)
			}
			l.Debug("transaction rolled back", "err", err)
		}
	}()

	put, err := sqlTx.PreparexContext(ctx, putEntryQuery)
	if err != nil {
		return fmt.Errorf("prepare put entry: %w", err)
	}
	defer put.Close()

	if err = fn(&Tx{tx: sqlTx, put: put}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	l.Debug("transaction committed")
	return nil
}

// Tx is the write side of the store inside WithTransaction.
type Tx struct {
	tx  *sqlx.Tx
	put *sqlx.Stmt
}

// Put inserts or replaces a record using the transaction's prepared statement.
func (t *Tx) Put(ctx context.Context, dir, name string, rec EntryRecord) error {
	if _, err := t.put.ExecContext(ctx, putArgs(dir, name, rec)...); err != nil {
		return fmt.Errorf("put entry %q in %q: %w", name, dir, err)
	}
	return nil
}

// Clear deletes every record.
func (t *Tx) Clear(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

// SetMeta upserts a meta value.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
