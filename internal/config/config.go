package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = ".amanidx.yaml"

// Config is the complete amanidx configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Reconciler ReconcilerConfig `yaml:"reconciler" json:"reconciler"`
	Workflow   WorkflowConfig   `yaml:"workflow" json:"workflow"`
	Backends   BackendsConfig   `yaml:"backends" json:"backends"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
}

// StoreConfig locates the state store database.
type StoreConfig struct {
	// Path of the SQLite file. Empty means <backends.data_dir>/state.db.
	Path string `yaml:"path" json:"path"`
}

// ReconcilerConfig tunes the periodic reconcile loop.
type ReconcilerConfig struct {
	Interval   string `yaml:"interval" json:"interval"`
	BatchLimit int    `yaml:"batch_limit" json:"batch_limit"`
	// Concurrency bounds documents claimed and scheduled at once in a pass.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// ClaimTimeout is how long a claim may stay in progress before the
	// reconciler hands it back.
	ClaimTimeout string `yaml:"claim_timeout" json:"claim_timeout"`
}

// WorkflowConfig tunes task retries and scheduler capacity.
type WorkflowConfig struct {
	MaxAttempts          int     `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff       string  `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff           string  `yaml:"max_backoff" json:"max_backoff"`
	Multiplier           float64 `yaml:"multiplier" json:"multiplier"`
	DisableJitter        bool    `yaml:"disable_jitter" json:"disable_jitter"`
	MaxParallelWorkflows int     `yaml:"max_parallel_workflows" json:"max_parallel_workflows"`
	StatusRetention      int     `yaml:"status_retention" json:"status_retention"`
}

// BackendsConfig configures the index backends.
type BackendsConfig struct {
	DataDir string   `yaml:"data_dir" json:"data_dir"`
	Enabled []string `yaml:"enabled" json:"enabled"`
	// FulltextBackend is "bleve" (default) or "sqlite" (FTS5).
	FulltextBackend     string `yaml:"fulltext_backend" json:"fulltext_backend"`
	VectorDimensions    int    `yaml:"vector_dimensions" json:"vector_dimensions"`
	VectorMetric        string `yaml:"vector_metric" json:"vector_metric"`
	EmbedCacheSize      int    `yaml:"embed_cache_size" json:"embed_cache_size"`
	SummarySentences    int    `yaml:"summary_sentences" json:"summary_sentences"`
	BreakerMaxFailures  int    `yaml:"breaker_max_failures" json:"breaker_max_failures"`
	BreakerResetTimeout string `yaml:"breaker_reset_timeout" json:"breaker_reset_timeout"`
}

// ServerConfig configures the long running serve command.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
}

// WatchConfig configures the directory watcher that feeds ingestion.
type WatchConfig struct {
	Paths      []string `yaml:"paths" json:"paths"`
	Extensions []string `yaml:"extensions" json:"extensions"`
	Debounce   string   `yaml:"debounce" json:"debounce"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Reconciler: ReconcilerConfig{
			Interval:     "5s",
			BatchLimit:   500,
			Concurrency:  4,
			ClaimTimeout: "15m",
		},
		Workflow: WorkflowConfig{
			MaxAttempts:          3,
			InitialBackoff:       "500ms",
			MaxBackoff:           "10s",
			Multiplier:           2.0,
			MaxParallelWorkflows: runtime.NumCPU(),
			StatusRetention:      1024,
		},
		Backends: BackendsConfig{
			DataDir:             defaultDataDir(),
			Enabled:             indexTypeNames(model.DefaultIndexTypes()),
			FulltextBackend:     "bleve",
			VectorDimensions:    256,
			VectorMetric:        "cosine",
			EmbedCacheSize:      4096,
			SummarySentences:    3,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: "30s",
		},
		Server: ServerConfig{
			MetricsAddr: "127.0.0.1:9464",
			LogLevel:    "info",
		},
		Watch: WatchConfig{
			Extensions: []string{".md", ".markdown", ".txt"},
			Debounce:   "300ms",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".amanidx", "data")
	}
	return filepath.Join(home, ".amanidx", "data")
}

func indexTypeNames(types []model.IndexType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// GetUserConfigPath returns $XDG_CONFIG_HOME/amanidx/config.yaml, falling back
// to ~/.config/amanidx/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amanidx", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amanidx", "config.yaml")
	}
	return filepath.Join(home, ".config", "amanidx", "config.yaml")
}

// Load resolves configuration for dir. Later sources win:
//  1. Defaults
//  2. User config (GetUserConfigPath)
//  3. Project config (.amanidx.yaml in dir)
//  4. Environment variables (AMANIDX_*)
func Load(dir string) (*Config, error) {
	return load(filepath.Join(dir, ProjectConfigName), false)
}

// LoadFile is Load with an explicit config file in place of the project
// config. The file must exist.
func LoadFile(path string) (*Config, error) {
	return load(path, true)
}

func load(projectPath string, required bool) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	switch {
	case fileExists(projectPath):
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	case required:
		return nil, errors.New(errors.ErrCodeConfigNotFound, "config file not found: "+projectPath, nil).
			WithSuggestion("check the --config path")
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return errors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies every non-zero field of other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	setString(&c.Store.Path, other.Store.Path)

	setString(&c.Reconciler.Interval, other.Reconciler.Interval)
	setInt(&c.Reconciler.BatchLimit, other.Reconciler.BatchLimit)
	setInt(&c.Reconciler.Concurrency, other.Reconciler.Concurrency)
	setString(&c.Reconciler.ClaimTimeout, other.Reconciler.ClaimTimeout)

	setInt(&c.Workflow.MaxAttempts, other.Workflow.MaxAttempts)
	setString(&c.Workflow.InitialBackoff, other.Workflow.InitialBackoff)
	setString(&c.Workflow.MaxBackoff, other.Workflow.MaxBackoff)
	if other.Workflow.Multiplier != 0 {
		c.Workflow.Multiplier = other.Workflow.Multiplier
	}
	if other.Workflow.DisableJitter {
		c.Workflow.DisableJitter = true
	}
	setInt(&c.Workflow.MaxParallelWorkflows, other.Workflow.MaxParallelWorkflows)
	setInt(&c.Workflow.StatusRetention, other.Workflow.StatusRetention)

	setString(&c.Backends.DataDir, other.Backends.DataDir)
	if len(other.Backends.Enabled) > 0 {
		c.Backends.Enabled = other.Backends.Enabled
	}
	setString(&c.Backends.FulltextBackend, other.Backends.FulltextBackend)
	setInt(&c.Backends.VectorDimensions, other.Backends.VectorDimensions)
	setString(&c.Backends.VectorMetric, other.Backends.VectorMetric)
	setInt(&c.Backends.EmbedCacheSize, other.Backends.EmbedCacheSize)
	setInt(&c.Backends.SummarySentences, other.Backends.SummarySentences)
	setInt(&c.Backends.BreakerMaxFailures, other.Backends.BreakerMaxFailures)
	setString(&c.Backends.BreakerResetTimeout, other.Backends.BreakerResetTimeout)

	setString(&c.Server.MetricsAddr, other.Server.MetricsAddr)
	setString(&c.Server.LogLevel, other.Server.LogLevel)

	if len(other.Watch.Paths) > 0 {
		c.Watch.Paths = other.Watch.Paths
	}
	if len(other.Watch.Extensions) > 0 {
		c.Watch.Extensions = other.Watch.Extensions
	}
	setString(&c.Watch.Debounce, other.Watch.Debounce)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies AMANIDX_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AMANIDX_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("AMANIDX_DATA_DIR"); v != "" {
		c.Backends.DataDir = v
	}
	if v := os.Getenv("AMANIDX_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("AMANIDX_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("AMANIDX_RECONCILE_INTERVAL"); v != "" {
		c.Reconciler.Interval = v
	}
	if v := os.Getenv("AMANIDX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workflow.MaxAttempts = n
		}
	}
	if v := os.Getenv("AMANIDX_MAX_PARALLEL_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workflow.MaxParallelWorkflows = n
		}
	}
	if v := os.Getenv("AMANIDX_FULLTEXT_BACKEND"); v != "" {
		c.Backends.FulltextBackend = v
	}
	if v := os.Getenv("AMANIDX_ENABLED_INDEXES"); v != "" {
		var enabled []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				enabled = append(enabled, part)
			}
		}
		if len(enabled) > 0 {
			c.Backends.Enabled = enabled
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"reconciler.interval":            c.Reconciler.Interval,
		"reconciler.claim_timeout":       c.Reconciler.ClaimTimeout,
		"workflow.initial_backoff":       c.Workflow.InitialBackoff,
		"workflow.max_backoff":           c.Workflow.MaxBackoff,
		"backends.breaker_reset_timeout": c.Backends.BreakerResetTimeout,
		"watch.debounce":                 c.Watch.Debounce,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.ValidationError(fmt.Sprintf("%s must be a duration, got %q", name, value), nil)
		}
		if d <= 0 {
			return errors.ValidationError(fmt.Sprintf("%s must be positive, got %s", name, value), nil)
		}
	}

	if c.Reconciler.BatchLimit <= 0 {
		return errors.ValidationError(fmt.Sprintf("reconciler.batch_limit must be positive, got %d", c.Reconciler.BatchLimit), nil)
	}
	if c.Reconciler.Concurrency < 1 {
		return errors.ValidationError(fmt.Sprintf("reconciler.concurrency must be positive, got %d", c.Reconciler.Concurrency), nil)
	}
	if c.Workflow.MaxAttempts < 1 {
		return errors.ValidationError(fmt.Sprintf("workflow.max_attempts must be at least 1, got %d", c.Workflow.MaxAttempts), nil)
	}
	if c.Workflow.Multiplier < 1 {
		return errors.ValidationError(fmt.Sprintf("workflow.multiplier must be >= 1, got %.2f", c.Workflow.Multiplier), nil)
	}
	if c.Workflow.MaxParallelWorkflows < 1 {
		return errors.ValidationError(fmt.Sprintf("workflow.max_parallel_workflows must be positive, got %d", c.Workflow.MaxParallelWorkflows), nil)
	}
	if c.Workflow.StatusRetention < 1 {
		return errors.ValidationError(fmt.Sprintf("workflow.status_retention must be positive, got %d", c.Workflow.StatusRetention), nil)
	}

	if c.Backends.DataDir == "" {
		return errors.ValidationError("backends.data_dir must be set", nil)
	}
	if len(c.Backends.Enabled) == 0 {
		return errors.ValidationError("backends.enabled must name at least one index type", nil)
	}
	for _, name := range c.Backends.Enabled {
		if err := model.IndexType(name).Validate(); err != nil {
			return errors.ValidationError("backends.enabled: "+err.Error(), nil)
		}
	}
	switch strings.ToLower(c.Backends.FulltextBackend) {
	case "bleve", "sqlite":
	default:
		return errors.ValidationError(fmt.Sprintf("backends.fulltext_backend must be 'bleve' or 'sqlite', got %s", c.Backends.FulltextBackend), nil)
	}
	switch strings.ToLower(c.Backends.VectorMetric) {
	case "cosine", "euclidean":
	default:
		return errors.ValidationError(fmt.Sprintf("backends.vector_metric must be 'cosine' or 'euclidean', got %s", c.Backends.VectorMetric), nil)
	}
	if c.Backends.VectorDimensions < 8 {
		return errors.ValidationError(fmt.Sprintf("backends.vector_dimensions must be at least 8, got %d", c.Backends.VectorDimensions), nil)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return errors.ValidationError(fmt.Sprintf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel), nil)
	}
	return nil
}

// StorePath returns the state database path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Backends.DataDir, "state.db")
}

// EnabledIndexTypes returns backends.enabled as index types.
func (c *Config) EnabledIndexTypes() []model.IndexType {
	types := make([]model.IndexType, len(c.Backends.Enabled))
	for i, name := range c.Backends.Enabled {
		types[i] = model.IndexType(name)
	}
	return types
}

// ReconcileInterval returns reconciler.interval. Validate guarantees it parses.
func (c *Config) ReconcileInterval() time.Duration {
	return mustDuration(c.Reconciler.Interval)
}

// ClaimTimeout returns reconciler.claim_timeout.
func (c *Config) ClaimTimeout() time.Duration {
	return mustDuration(c.Reconciler.ClaimTimeout)
}

// WatchDebounce returns watch.debounce.
func (c *Config) WatchDebounce() time.Duration {
	return mustDuration(c.Watch.Debounce)
}

// BreakerResetTimeout returns backends.breaker_reset_timeout.
func (c *Config) BreakerResetTimeout() time.Duration {
	return mustDuration(c.Backends.BreakerResetTimeout)
}

// RetryConfig converts the workflow section into a task retry policy.
// MaxAttempts counts the first try, so MaxRetries is one less.
func (c *Config) RetryConfig() errors.RetryConfig {
	return errors.RetryConfig{
		MaxRetries:   c.Workflow.MaxAttempts - 1,
		InitialDelay: mustDuration(c.Workflow.InitialBackoff),
		MaxDelay:     mustDuration(c.Workflow.MaxBackoff),
		Multiplier:   c.Workflow.Multiplier,
		Jitter:       !c.Workflow.DisableJitter,
	}
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
