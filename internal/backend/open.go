package backend

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/amanidx/internal/config"
	"github.com/Aman-CERP/amanidx/internal/embed"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// File names inside the data directory.
const (
	VectorFileName  = "vectors.hnsw"
	BleveDirName    = "fulltext.bleve"
	SidecarFileName = "backends.db"
)

// Fulltext implementations selectable by Options.FulltextBackend.
const (
	FulltextBleve  = "bleve"
	FulltextSQLite = "sqlite"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerReset    = 30 * time.Second
)

// Options selects and configures the backends built by Open.
type Options struct {
	// DataDir holds every backend file. Empty keeps everything in memory
	// and skips the data dir lock.
	DataDir             string
	Enabled             []model.IndexType
	FulltextBackend     string
	VectorDimensions    int
	VectorMetric        string
	EmbedCacheSize      int
	SummarySentences    int
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Embedder overrides the default cached static embedder.
	Embedder embed.Embedder
}

// OptionsFromConfig maps the backends section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DataDir:             cfg.Backends.DataDir,
		Enabled:             cfg.EnabledIndexTypes(),
		FulltextBackend:     cfg.Backends.FulltextBackend,
		VectorDimensions:    cfg.Backends.VectorDimensions,
		VectorMetric:        cfg.Backends.VectorMetric,
		EmbedCacheSize:      cfg.Backends.EmbedCacheSize,
		SummarySentences:    cfg.Backends.SummarySentences,
		BreakerMaxFailures:  cfg.Backends.BreakerMaxFailures,
		BreakerResetTimeout: cfg.BreakerResetTimeout(),
	}
}

// Open builds a Registry holding one breaker-guarded backend per enabled
// index type. On a persistent data dir it first takes the data dir lock,
// which is released when the registry closes.
func Open(opts Options) (reg *Registry, err error) {
	if len(opts.Enabled) == 0 {
		opts.Enabled = model.DefaultIndexTypes()
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = defaultBreakerFailures
	}
	if opts.BreakerResetTimeout <= 0 {
		opts.BreakerResetTimeout = defaultBreakerReset
	}

	reg = NewRegistry()
	defer func() {
		if err != nil {
			_ = reg.Close()
			reg = nil
		}
	}()

	persistent := opts.DataDir != ""
	if persistent {
		lock, lockErr := AcquireDataDirLock(opts.DataDir)
		if lockErr != nil {
			return reg, lockErr
		}
		reg.onClose(lock.Release)
	}

	path := func(name string) string {
		if !persistent {
			return ""
		}
		return filepath.Join(opts.DataDir, name)
	}

	// The SQLite sidecar is opened on first use and shared.
	var sidecar *sql.DB
	sidecarDB := func() (*sql.DB, error) {
		if sidecar != nil {
			return sidecar, nil
		}
		db, err := openSidecarDB(path(SidecarFileName))
		if err != nil {
			return nil, err
		}
		sidecar = db
		reg.onClose(db.Close)
		return db, nil
	}

	for _, t := range opts.Enabled {
		var b Backend
		switch t {
		case model.IndexTypeVector:
			embedder := opts.Embedder
			if embedder == nil {
				embedder = embed.NewCachedEmbedder(embed.NewStaticEmbedder(opts.VectorDimensions), opts.EmbedCacheSize)
				reg.onClose(embedder.Close)
			}
			b, err = NewVectorBackend(VectorConfig{Path: path(VectorFileName), Metric: opts.VectorMetric}, embedder)
		case model.IndexTypeFulltext:
			switch strings.ToLower(opts.FulltextBackend) {
			case "", FulltextBleve:
				b, err = NewBleveBackend(path(BleveDirName))
			case FulltextSQLite:
				var db *sql.DB
				if db, err = sidecarDB(); err == nil {
					b, err = NewSQLiteFulltextBackend(db)
				}
			default:
				err = errors.ValidationError("unknown fulltext backend "+opts.FulltextBackend, nil)
			}
		case model.IndexTypeGraph:
			var db *sql.DB
			if db, err = sidecarDB(); err == nil {
				b, err = NewGraphBackend(db)
			}
		case model.IndexTypeSummary:
			var db *sql.DB
			if db, err = sidecarDB(); err == nil {
				b, err = NewSummaryBackend(db, opts.SummarySentences)
			}
		default:
			err = errors.New(errors.ErrCodeUnknownIndexType, "no backend implements index type "+string(t), nil)
		}
		if err != nil {
			return reg, fmt.Errorf("open %s backend: %w", t, err)
		}

		breaker := errors.NewCircuitBreaker(string(t),
			errors.WithMaxFailures(opts.BreakerMaxFailures),
			errors.WithResetTimeout(opts.BreakerResetTimeout))
		if err = reg.Register(NewGuarded(b, breaker)); err != nil {
			_ = b.Close()
			return reg, err
		}
	}

	slog.Info("backends_opened",
		slog.String("data_dir", opts.DataDir),
		slog.Any("types", reg.Types()),
		slog.String("fulltext", opts.FulltextBackend))
	return reg, nil
}
