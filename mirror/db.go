package mirror

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    dir    TEXT NOT NULL,
    name   TEXT NOT NULL,
    kind   TEXT NOT NULL,
    size   INTEGER,
    mtime  INTEGER,
    digest BLOB,
    PRIMARY KEY (dir, name)
);

CREATE INDEX IF NOT EXISTS entries_dir_idx ON entries (dir);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// sqliteDSN builds a file: URI for dbPath. Characters that carry meaning
// in a URI (?, # and %) are percent-escaped; SQLite decodes them again.
func sqliteDSN(dbPath string) string {
	u := url.URL{
		Scheme:   "file",
		Opaque:   (&url.URL{Path: dbPath}).EscapedPath(),
		RawQuery: "_txlock=immediate",
	}
	return u.String()
}

// openDBAt opens (or creates) the snapshot database at the exact path and
// brings its schema up to date.
func openDBAt(dbPath string) (*sqlx.DB, error) {
	l := sub("db")
	l.Debug("opening snapshot database", "path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	// One connection: prepared statements and the write transaction share it,
	// and PRAGMAs apply to every query.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l.Debug("PRAGMA journal_mode=WAL")

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	l.Debug("PRAGMA busy_timeout=5000")

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sqlx.DB) error {
	l := sub("db")

	// Every statement is IF NOT EXISTS, so this is safe on every open.
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var raw string
	err := db.Get(&raw, "SELECT value FROM meta WHERE key = 'schema_version'")
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaTooNew, version, schemaVersion)
	}
	l.Debug("schema up to date", slog.Int("version", version))
	return nil
}
