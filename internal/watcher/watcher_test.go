package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperation_String(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OpCreate, "CREATE"},
		{OpModify, "MODIFY"},
		{OpDelete, "DELETE"},
		{Operation(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.String())
		})
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	// Given: options with only the debounce window set
	opts := Options{DebounceWindow: time.Second}

	// When
	got := opts.WithDefaults()

	// Then: the explicit value survives and the rest is filled in
	assert.Equal(t, time.Second, got.DebounceWindow)
	assert.Equal(t, DefaultOptions().PollInterval, got.PollInterval)
	assert.Equal(t, DefaultOptions().Extensions, got.Extensions)
	assert.Positive(t, got.EventBufferSize)
}

func TestOptions_IsDocument(t *testing.T) {
	opts := DefaultOptions()
	tests := []struct {
		path string
		want bool
	}{
		{"notes.md", true},
		{"guides/setup.MD", true},
		{"log.txt", true},
		{"main.go", false},
		{".draft.md", false},
		{".git/COMMIT_EDITMSG.md", false},
		{"node_modules/pkg/readme.md", false},
		{"docs/.obsidian/cache.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, opts.IsDocument(tt.path))
		})
	}
}

func TestOptions_SkipDir(t *testing.T) {
	opts := DefaultOptions()

	assert.False(t, opts.SkipDir("."))
	assert.False(t, opts.SkipDir("docs"))
	assert.True(t, opts.SkipDir(".amanidx"))
	assert.True(t, opts.SkipDir("web/node_modules"))
}
