// Package app wires configuration, storage, the journal, analyzers, the
// watcher and the pipeline into one object the CLI drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"panoptes-go/internal/analyzer"
	"panoptes-go/internal/api"
	"panoptes-go/internal/config"
	"panoptes-go/internal/correlate"
	"panoptes-go/internal/database"
	"panoptes-go/internal/database/migrations"
	"panoptes-go/internal/encryption"
	"panoptes-go/internal/fs"
	"panoptes-go/internal/history"
	"panoptes-go/internal/panoptes"
	"panoptes-go/internal/trash"
	"panoptes-go/internal/watcher"
)

// Options selects optional parts of the App.
type Options struct {
	// Watch creates the filesystem watcher. Commands that never run the
	// pipeline loop leave it off.
	Watch  bool
	Stderr io.Writer
	Clock  panoptes.Clock
	IDGen  panoptes.IDGenerator
}

// App is the application layer between the CLI and the Pipeline.
// It constructs all dependencies from config and releases them on Close.
type App struct {
	cfg      *config.Config
	op       *Operation
	clock    panoptes.Clock
	logger   panoptes.Logger
	logFile  *os.File
	store    *database.SQLiteStore
	journal  *history.Journal
	registry *analyzer.Registry
	watcher  *watcher.DebouncedWatcher
	trash    *trash.Dir
	pipeline *panoptes.Pipeline
}

// LoadConfig layers the config file at path over the defaults for dataDir
// and applies PANOPTES_* environment overrides.
func LoadConfig(path, dataDir string, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(config.Default(dataDir), path)
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindConfig, "load config", path, err)
	}
	if getenv != nil {
		if err := cfg.ApplyEnv(getenv); err != nil {
			return nil, panoptes.E(panoptes.KindConfig, "load config", err)
		}
	}
	return cfg, nil
}

// New creates a fully wired App from cfg. operation names the CLI command
// being run. The caller must call Close when done.
func New(cfg *config.Config, operation string, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, panoptes.E(panoptes.KindConfig, "validate config", err)
	}
	if opts.Clock == nil {
		opts.Clock = panoptes.RealClock{}
	}
	if opts.IDGen == nil {
		opts.IDGen = panoptes.UUIDGenerator{}
	}

	op := NewOperation(operation, opts.Clock.Now())
	slogger, logFile, err := newLogger(cfg.Logging, op.RunID, opts.Stderr)
	if err != nil {
		return nil, panoptes.E(panoptes.KindConfig, "create logger", err)
	}

	a := &App{
		cfg:     cfg,
		op:      op,
		clock:   opts.Clock,
		logger:  &slogAdapter{l: slogger},
		logFile: logFile,
	}
	if err := a.wire(opts); err != nil {
		a.close()
		return nil, err
	}
	a.logger.Debug("operation started", "operation", op.Name)
	return a, nil
}

func (a *App) wire(opts Options) error {
	cfg := a.cfg

	store, err := database.NewStoreFromConfig(cfg.Database, opts.Clock, opts.IDGen)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	a.store = store

	journal, err := history.Open(cfg.History.Path, a.logger, opts.Clock, opts.IDGen)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	a.journal = journal

	if cfg.Trash.Dir != "" {
		t, err := trash.New(cfg.Trash.Dir, opts.Clock, opts.IDGen)
		if err != nil {
			return fmt.Errorf("creating trash: %w", err)
		}
		a.trash = t
	}

	correlator, err := correlate.New(cfg.Correlate, store, a.logger)
	if err != nil {
		return err
	}

	a.registry = analyzer.NewDefaultRegistry()

	deps := panoptes.Deps{
		Store:      store,
		Journal:    journal,
		Registry:   a.registry,
		Correlator: correlator,
		Logger:     a.logger,
		Clock:      opts.Clock,
		IDGen:      opts.IDGen,
	}
	// A nil *trash.Dir must not become a non-nil interface.
	if a.trash != nil {
		deps.Trash = a.trash
	}

	if opts.Watch {
		patterns, err := IgnorePatterns(cfg.Watch)
		if err != nil {
			return err
		}
		raw, err := watcher.New(watcher.Options{
			Recursive:      cfg.Watch.Recursive,
			IgnorePatterns: patterns,
			Logger:         a.logger,
			Clock:          opts.Clock,
		})
		if err != nil {
			return err
		}
		a.watcher = watcher.NewDebounced(raw, cfg.Debounce(), opts.Clock, a.logger)
		deps.Watcher = a.watcher
	}

	pipeline, err := panoptes.NewPipeline(deps, PipelineConfig(cfg))
	if err != nil {
		return err
	}
	a.pipeline = pipeline
	return nil
}

// IgnorePatterns returns the configured watch ignore patterns followed by
// those read from the ignore file.
func IgnorePatterns(cfg config.WatchConfig) ([]string, error) {
	patterns := append([]string(nil), cfg.IgnorePatterns...)
	if cfg.IgnoreFile == "" {
		return patterns, nil
	}
	extra, err := fs.ParseIgnoreFile(cfg.IgnoreFile)
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindConfig, "read ignore file", cfg.IgnoreFile, err)
	}
	return append(patterns, extra...), nil
}

// PipelineConfig translates the file configuration into pipeline settings.
func PipelineConfig(cfg *config.Config) panoptes.PipelineConfig {
	cacheSize := cfg.Cache.Size
	if cacheSize == 0 {
		cacheSize = -1
	}
	return panoptes.PipelineConfig{
		MaxJobs: cfg.MaxJobs,
		Timeout: cfg.Timeout(),
		Retry: panoptes.RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond,
			Multiplier:     cfg.Retry.Multiplier,
		},
		Roots:           cfg.Watch.Paths,
		Recursive:       cfg.Watch.Recursive,
		ProcessExisting: cfg.Watch.ProcessExisting,
		Filter: panoptes.FilterConfig{
			MinSize:           cfg.Filter.MinSize,
			MaxSize:           cfg.Filter.MaxSize,
			IncludeExtensions: cfg.Filter.IncludeExtensions,
			ExcludeExtensions: cfg.Filter.ExcludeExtensions,
			ExcludeHidden:     cfg.Filter.ExcludeHidden,
			ExcludePatterns:   cfg.Filter.ExcludePatterns,
		},
		Analyze: panoptes.AnalyzeOptions{
			MaxTags:     cfg.Tags.MaxAutoTags,
			DefaultTags: cfg.Tags.DefaultTags,
		},
		Naming: panoptes.NamingConfig{
			AutoRename: cfg.Naming.AutoRename,
			Style:      panoptes.NamingStyle(cfg.Naming.Style),
			MaxLength:  cfg.Naming.MaxLength,
		},
		CacheSize:        cacheSize,
		RecordTagHistory: cfg.Tags.RecordHistory,
		ComputeHash:      cfg.ComputeHash,
	}
}

func (a *App) Config() *config.Config       { return a.cfg }
func (a *App) Logger() panoptes.Logger      { return a.logger }
func (a *App) Store() panoptes.Store        { return a.store }
func (a *App) Pipeline() *panoptes.Pipeline { return a.pipeline }
func (a *App) Registry() *analyzer.Registry { return a.registry }
func (a *App) Journal() *history.Journal    { return a.journal }
func (a *App) Operation() *Operation        { return a.op }

// Watch runs the pipeline until ctx is done. With serveAddr set, the HTTP
// control surface is served alongside it and stops with it.
func (a *App) Watch(ctx context.Context, serveAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.pipeline.Run(gctx)
	})
	if serveAddr != "" {
		srv := api.New(a.pipeline, a.store, a.logger)
		g.Go(func() error {
			return srv.Serve(gctx, serveAddr)
		})
	}
	return g.Wait()
}

// Scan resolves root and processes every file beneath it.
func (a *App) Scan(ctx context.Context, root string) (int, error) {
	return a.pipeline.Scan(ctx, root)
}

// Trash resolves path and moves it to the trash directory.
func (a *App) Trash(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", panoptes.PathError(panoptes.KindOther, "trash", path, err)
	}
	return a.pipeline.Trash(ctx, abs)
}

// DBStatus describes the store behind the App.
type DBStatus struct {
	Path          string               `json:"path"`
	SchemaVersion uint                 `json:"schema_version"`
	Store         *panoptes.StoreStats `json:"store"`
}

// DBStatus reports the store location, schema version and counts. Opening
// the store already verified the schema is current.
func (a *App) DBStatus(ctx context.Context) (*DBStatus, error) {
	version, err := migrations.LatestVersion()
	if err != nil {
		return nil, panoptes.E(panoptes.KindDatabase, "schema version", err)
	}
	st, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &DBStatus{Path: a.store.Path(), SchemaVersion: version, Store: st}, nil
}

// BackupDB writes a consistent snapshot of the store to out. With enc set
// the snapshot is age-encrypted. An existing out is never overwritten.
func (a *App) BackupDB(ctx context.Context, out string, enc *encryption.Encryptor) error {
	if _, err := os.Stat(out); err == nil {
		return panoptes.PathError(panoptes.KindDuplicate, "backup store", out, errors.New("destination already exists"))
	}

	if enc == nil {
		if err := a.store.BackupTo(ctx, out); err != nil {
			return err
		}
		a.logger.Info("store snapshot written", "path", out)
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "panoptes-snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp dir for snapshot: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	plain := filepath.Join(tmpDir, "panoptes.db")
	if err := a.store.BackupTo(ctx, plain); err != nil {
		return err
	}
	if err := enc.EncryptFile(plain, out); err != nil {
		return panoptes.PathError(panoptes.KindOther, "encrypt snapshot", out, err)
	}
	a.logger.Info("encrypted store snapshot written", "path", out)
	return nil
}

// Finish records the command outcome for the closing log line.
func (a *App) Finish(err error) {
	a.op.Finish(err)
}

// Close stops the pipeline and releases every resource. The first error
// encountered is returned.
func (a *App) Close() error {
	a.logger.Debug("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock.Now()).String())
	return a.close()
}

func (a *App) close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.pipeline != nil {
		a.pipeline.Stop()
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			keep(fmt.Errorf("closing watcher: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			keep(fmt.Errorf("closing journal: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			keep(fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
