package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the full panoptes configuration.
type Config struct {
	MaxJobs     int    `toml:"max_jobs"`
	TimeoutSecs int    `toml:"timeout_secs"`
	ComputeHash bool   `toml:"compute_hash"`
	Correlate   string `toml:"correlate"` // "none", "hash" or "xattr"

	Retry    RetryConfig    `toml:"retry"`
	Watch    WatchConfig    `toml:"watch"`
	Filter   FilterConfig   `toml:"filter"`
	Naming   NamingConfig   `toml:"naming"`
	Tags     TagsConfig     `toml:"tags"`
	Database DatabaseConfig `toml:"database"`
	History  HistoryConfig  `toml:"history"`
	Trash    TrashConfig    `toml:"trash"`
	Cache    CacheConfig    `toml:"cache"`
	API      APIConfig      `toml:"api"`
	Logging  LoggingConfig  `toml:"logging"`
}

// RetryConfig is the backoff policy for retryable analyzer failures.
type RetryConfig struct {
	MaxRetries       int     `toml:"max_retries"`
	InitialBackoffMS int     `toml:"initial_backoff_ms"`
	MaxBackoffMS     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
}

// WatchConfig controls the watcher.
type WatchConfig struct {
	Paths           []string `toml:"paths"`
	DebounceMS      int      `toml:"debounce_ms"`
	Recursive       bool     `toml:"recursive"`
	ProcessExisting bool     `toml:"process_existing"`
	IgnorePatterns  []string `toml:"ignore_patterns"`
	// IgnoreFile holds extra ignore patterns, one per line. A missing
	// file is not an error.
	IgnoreFile string `toml:"ignore_file"`
}

// FilterConfig is applied to every path before analyzer dispatch.
// Zero sizes mean no bound.
type FilterConfig struct {
	MinSize           int64    `toml:"min_size"`
	MaxSize           int64    `toml:"max_size"`
	IncludeExtensions []string `toml:"include_extensions"`
	ExcludeExtensions []string `toml:"exclude_extensions"`
	ExcludeHidden     bool     `toml:"exclude_hidden"`
	ExcludePatterns   []string `toml:"exclude_patterns"`
}

// NamingConfig controls automatic renaming to suggested names.
type NamingConfig struct {
	AutoRename bool   `toml:"auto_rename"`
	Style      string `toml:"style"` // kebab-case, snake_case, camelCase, PascalCase, original
	MaxLength  int    `toml:"max_length"`
}

// TagsConfig controls automatic tagging.
type TagsConfig struct {
	MaxAutoTags   int      `toml:"max_auto_tags"`
	DefaultTags   []string `toml:"default_tags"`
	RecordHistory bool     `toml:"record_history"`
}

// DatabaseConfig represents configuration for the metadata store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// HistoryConfig locates the operation journal.
type HistoryConfig struct {
	Path string `toml:"path"`
}

// TrashConfig locates the backup directory for deletes.
type TrashConfig struct {
	Dir string `toml:"dir"`
}

// CacheConfig sizes the unchanged-file cache. Zero disables it.
type CacheConfig struct {
	Size int `toml:"size"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Address string `toml:"address"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	File  string `toml:"file,omitempty"`
	JSON  bool   `toml:"json"`
}

// ErrInvalid is wrapped by every validation and parse failure.
var ErrInvalid = errors.New("invalid configuration")

var (
	namingStyles   = []string{"kebab-case", "snake_case", "camelCase", "PascalCase", "original"}
	correlateModes = []string{"none", "hash", "xattr"}
	logLevels      = []string{"debug", "info", "warn", "error"}
)

// Default returns the built-in configuration with store, journal and trash
// located under dataDir.
func Default(dataDir string) *Config {
	return &Config{
		MaxJobs:     runtime.NumCPU(),
		TimeoutSecs: 120,
		ComputeHash: true,
		Correlate:   "none",
		Retry: RetryConfig{
			MaxRetries:       3,
			InitialBackoffMS: 1000,
			MaxBackoffMS:     30000,
			Multiplier:       2.0,
		},
		Watch: WatchConfig{
			DebounceMS: 500,
			Recursive:  true,
			IgnoreFile: filepath.Join(dataDir, "ignore"),
		},
		Filter: FilterConfig{ExcludeHidden: true},
		Naming: NamingConfig{Style: "kebab-case", MaxLength: 50},
		Tags:   TagsConfig{MaxAutoTags: 5, RecordHistory: true},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: filepath.Join(dataDir, "panoptes.db"),
		},
		History: HistoryConfig{Path: filepath.Join(dataDir, "history.jsonl")},
		Trash:   TrashConfig{Dir: filepath.Join(dataDir, "trash")},
		Cache:   CacheConfig{Size: 4096},
		API:     APIConfig{Address: "127.0.0.1:8080"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Timeout returns the per-analysis deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Debounce returns the watcher debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// Manager handles reading and writing configuration.
type Manager struct{}

// ReadOnto decodes r over cfg. Only keys present in r are changed, so
// layering several sources gives field-wise precedence. Lists are replaced.
func (m *Manager) ReadOnto(r io.Reader, cfg *Config) error {
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load layers each existing file in paths, in order, over base.
// Missing files are skipped.
func Load(base *Config, paths ...string) (*Config, error) {
	cfg := *base
	m := &Manager{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		err = m.ReadOnto(f, &cfg)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from PANOPTES_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"PANOPTES_MAX_JOBS", &c.MaxJobs},
		{"PANOPTES_TIMEOUT", &c.TimeoutSecs},
		{"PANOPTES_DEBOUNCE_MS", &c.Watch.DebounceMS},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, e.key, v)
		}
		*e.dst = n
	}

	if v := getenv("PANOPTES_DATABASE"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("PANOPTES_HISTORY"); v != "" {
		c.History.Path = v
	}
	if v := getenv("PANOPTES_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	if c.MaxJobs < 1 {
		problems = append(problems, "max_jobs must be >= 1")
	}
	if c.TimeoutSecs < 1 {
		problems = append(problems, "timeout_secs must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must be >= 0")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	if c.Retry.InitialBackoffMS < 0 || c.Retry.MaxBackoffMS < c.Retry.InitialBackoffMS {
		problems = append(problems, "retry.max_backoff_ms must be >= retry.initial_backoff_ms >= 0")
	}
	if c.Watch.DebounceMS < 0 {
		problems = append(problems, "watch.debounce_ms must be >= 0")
	}
	if c.Filter.MinSize < 0 || c.Filter.MaxSize < 0 {
		problems = append(problems, "filter sizes must be >= 0")
	}
	if c.Filter.MaxSize > 0 && c.Filter.MinSize > c.Filter.MaxSize {
		problems = append(problems, "filter.min_size must be <= filter.max_size")
	}
	if c.Naming.MaxLength < 1 {
		problems = append(problems, "naming.max_length must be >= 1")
	}
	if !oneOf(c.Naming.Style, namingStyles) {
		problems = append(problems, fmt.Sprintf("naming.style %q unknown", c.Naming.Style))
	}
	if !oneOf(c.Correlate, correlateModes) {
		problems = append(problems, fmt.Sprintf("correlate %q unknown", c.Correlate))
	}
	if !oneOf(c.Logging.Level, logLevels) {
		problems = append(problems, fmt.Sprintf("logging.level %q unknown", c.Logging.Level))
	}
	if c.Tags.MaxAutoTags < 0 {
		problems = append(problems, "tags.max_auto_tags must be >= 0")
	}
	if c.Cache.Size < 0 {
		problems = append(problems, "cache.size must be >= 0")
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			problems = append(problems, "database.path required for sqlite database")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("database.type %q unknown", c.Database.Type))
	}
	if c.History.Path == "" {
		problems = append(problems, "history.path required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
