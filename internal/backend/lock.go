package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/amanidx/internal/errors"
)

// LockFileName is created inside the backend data directory.
const LockFileName = ".amanidx.lock"

// DataDirLock gives one process exclusive use of the local backend files.
// Embedded backends (HNSW snapshot, bleve, SQLite sidecar) are not safe to
// share between processes.
type DataDirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// AcquireDataDirLock takes the lock without blocking. It fails with
// ErrCodeInvalidState when another process holds it.
func AcquireDataDirLock(dir string) (*DataDirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)
	l := &DataDirLock{path: path, flock: flock.New(path)}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !acquired {
		return nil, errors.New(errors.ErrCodeInvalidState,
			"data directory "+dir+" is in use by another amanidx process", nil)
	}
	l.locked = true
	return l, nil
}

// Path returns the lock file path.
func (l *DataDirLock) Path() string { return l.path }

// Release unlocks. Calling it twice is safe.
func (l *DataDirLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release data dir lock: %w", err)
	}
	return nil
}
