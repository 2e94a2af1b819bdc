package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// Operation is the kind of change seen on a path.
type Operation int

const (
	// OpCreate means the file appeared.
	OpCreate Operation = iota
	// OpModify means the file content may have changed.
	OpModify
	// OpDelete means the file is gone. Renames are reported as a delete of
	// the old path followed by a create of the new one.
	OpDelete
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change to a document file.
type FileEvent struct {
	// Path is relative to the watched root, with forward slashes.
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long a path must stay quiet before it is emitted.
	DebounceWindow time.Duration
	// PollInterval is the scan period when fsnotify is unavailable.
	PollInterval time.Duration
	// EventBufferSize is the capacity of the batch channel.
	EventBufferSize int
	// Extensions are the file suffixes treated as documents.
	Extensions []string
	// IgnoreDirs are directory names never descended into. Hidden
	// directories are always skipped.
	IgnoreDirs []string
	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 256,
		Extensions:      []string{".md", ".markdown", ".txt"},
		IgnoreDirs:      []string{"node_modules", "vendor"},
	}
}

// WithDefaults fills zero values from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	if len(o.Extensions) == 0 {
		o.Extensions = d.Extensions
	}
	if o.IgnoreDirs == nil {
		o.IgnoreDirs = d.IgnoreDirs
	}
	return o
}

// SkipDir reports whether the directory at relPath is not watched.
func (o Options) SkipDir(relPath string) bool {
	if relPath == "." || relPath == "" {
		return false
	}
	name := filepath.Base(relPath)
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, d := range o.IgnoreDirs {
		if name == d {
			return true
		}
	}
	return false
}

// IsDocument reports whether the file at relPath is a watched document.
func (o Options) IsDocument(relPath string) bool {
	name := filepath.Base(relPath)
	if strings.HasPrefix(name, ".") {
		return false
	}
	for dir := filepath.Dir(relPath); dir != "." && dir != "/" && dir != ""; dir = filepath.Dir(dir) {
		if o.SkipDir(dir) {
			return false
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range o.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
