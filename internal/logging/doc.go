// Package logging configures structured slog output for amanidx.
// Without --debug the process logs to stderr only; with --debug a rotating
// JSON log is written under ~/.amanidx/logs/ as well.
package logging
