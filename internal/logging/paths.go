package logging

import (
	"os"
	"path/filepath"
)

// LogDirEnv overrides the directory debug logs are written to.
const LogDirEnv = "AMANIDX_LOG_DIR"

// DefaultLogDir returns $AMANIDX_LOG_DIR, else ~/.amanidx/logs, else a
// directory under the system temp dir.
func DefaultLogDir() string {
	if dir := os.Getenv(LogDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".amanidx", "logs")
	}
	return filepath.Join(home, ".amanidx", "logs")
}

// DefaultLogPath is the file the --debug flag logs to.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "server.log")
}
