package backend

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/amanidx/internal/errors"
)

// openSidecarDB opens the SQLite file shared by the fulltext, graph and
// summary backends. An empty path opens a private in-memory database.
func openSidecarDB(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.New(errors.ErrCodeBackendUnavailable, "create backend directory", err)
		}
		if err := checkIntegrity(path); err != nil {
			slog.Warn("backend_db_corrupted",
				slog.String("path", path),
				slog.String("error", err.Error()))
			for _, p := range []string{path, path + "-wal", path + "-shm"} {
				if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
					return nil, errors.New(errors.ErrCodeStoreCorrupt, "backend db corrupted and cannot be removed", rmErr)
				}
			}
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "open backend db", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.New(errors.ErrCodeBackendUnavailable, "set pragma: "+pragma, err)
		}
	}
	return db, nil
}

// checkIntegrity reports an error when an existing file is not a readable
// SQLite database. A missing file is fine.
func checkIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return errors.New(errors.ErrCodeStoreCorrupt, "quick_check: "+result, nil)
	}
	return nil
}

// withTx runs fn in a transaction and commits when fn succeeds.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return sqlError(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqlError(op, err)
	}
	return nil
}

// sqlError classifies a SQLite failure. Lock contention is retryable and
// everything else counts as the backend being unavailable.
func sqlError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return errors.New(errors.ErrCodeStoreBusy, op+": database busy", err)
	}
	return errors.BackendUnavailable(op, err)
}
