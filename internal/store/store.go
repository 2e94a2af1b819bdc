// Package store is the durable state store for documents and their index
// spec rows. Every mutation of an index spec row is a single-row conditional
// UPDATE or DELETE whose WHERE clause re-asserts the state the caller read;
// zero rows affected means another actor got there first.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/amanidx/internal/errors"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	source_path  TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'indexing',
	gmt_created  INTEGER NOT NULL,
	gmt_updated  INTEGER NOT NULL,
	gmt_deleted  INTEGER
);

CREATE TABLE IF NOT EXISTS index_specs (
	document_id         TEXT NOT NULL,
	index_type          TEXT NOT NULL,
	status              TEXT NOT NULL,
	version             INTEGER NOT NULL DEFAULT 1,
	observed_version    INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	payload             TEXT NOT NULL DEFAULT '',
	gmt_created         INTEGER NOT NULL,
	gmt_updated         INTEGER NOT NULL,
	gmt_last_reconciled INTEGER,
	PRIMARY KEY (document_id, index_type),
	CHECK (observed_version <= version)
);

CREATE INDEX IF NOT EXISTS idx_index_specs_status ON index_specs(status);
`

// SQLiteStore implements the state store on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time

	closeOnce sync.Once
}

// Open opens (creating if needed) the state store at path.
// An empty path or ":memory:" opens a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(errors.ErrCodeStoreOpen, "create store directory "+dir, err)
		}
		dsn = path
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStoreOpen, "open state store", err)
	}

	s, err := NewFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.path = path
	return s, nil
}

// NewFromDB prepares an already opened SQLite handle as a state store.
// The handle is limited to a single connection: SQLite has one writer and the
// conditional updates rely on statement-level atomicity only.
func NewFromDB(db *sql.DB) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, errors.New(errors.ErrCodeStoreOpen, "set pragma: "+pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.New(errors.ErrCodeStoreOpen, "create schema", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Path returns the database file path ("" for in-memory stores).
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) stamp() int64 {
	return s.now().UTC().UnixNano()
}

// execCAS runs a single-row conditional statement and reports whether it
// matched a row.
func (s *SQLiteStore) execCAS(ctx context.Context, op string, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, queryError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, queryError(op, err)
	}
	if n > 1 {
		slog.Error("store_cas_matched_multiple_rows",
			slog.String("op", op),
			slog.Int64("rows", n))
	}
	return n == 1, nil
}

func queryError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return errors.New(errors.ErrCodeStoreBusy, op+" failed: database busy", err)
	}
	return errors.StoreError(fmt.Sprintf("%s failed", op), err)
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}
