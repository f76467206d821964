package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/cwygoda/gdownloader/internal/domain"
)

// Config holds application configuration.
type Config struct {
	Port          int             `toml:"port"`
	DBPath        string          `toml:"db"`
	OutputDir     string          `toml:"output_dir"`
	Workers       int             `toml:"workers"`
	QueueCapacity int             `toml:"queue_capacity"`
	Secret        string          `toml:"secret"`
	Retry         RetryConfig     `toml:"retry"`
	Extractor     ExtractorConfig `toml:"extractor"`

	// Args holds positional command-line arguments.
	Args []string `toml:"-"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
	Factor      float64       `toml:"factor"`
	MaxDelay    time.Duration `toml:"max_delay"`
	Jitter      float64       `toml:"jitter"`
}

// ExtractorConfig configures the yt-dlp extractor.
// Args may contain {url} and {format} placeholders.
type ExtractorConfig struct {
	Name      string        `toml:"name"`
	Command   string        `toml:"command"`
	Args      []string      `toml:"args"`
	Format    string        `toml:"format"`
	Platforms []string      `toml:"platforms"`
	Timeout   time.Duration `toml:"timeout"`
}

// Policy converts the retry configuration into a domain policy.
func (r RetryConfig) Policy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Factor:      r.Factor,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "gdownloader", "jobs.db")
}

// DefaultConfigPath returns the default config file path using
// XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "gdownloader", "config.toml")
}

// DefaultOutputDir returns the default download directory.
func DefaultOutputDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads", "G-Downloader")
}

// DefaultWorkers derives the pool size from available CPUs, clamped to 3..8.
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n < 3 {
		return 3
	}
	if n > 8 {
		return 8
	}
	return n
}

// DefaultExtractor returns the yt-dlp extractor defaults.
func DefaultExtractor() ExtractorConfig {
	return ExtractorConfig{
		Name:      "yt-dlp",
		Command:   "yt-dlp",
		Args:      []string{"--dump-single-json", "--no-playlist", "--no-warnings", "-f", "{format}", "{url}"},
		Format:    "b",
		Platforms: []string{"youtube", "instagram", "tiktok"},
		Timeout:   2 * time.Minute,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	p := domain.DefaultRetryPolicy()
	return &Config{
		Port:          8080,
		DBPath:        DefaultDBPath(),
		OutputDir:     DefaultOutputDir(),
		Workers:       DefaultWorkers(),
		QueueCapacity: 100,
		Retry: RetryConfig{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   p.BaseDelay,
			Factor:      p.Factor,
			MaxDelay:    p.MaxDelay,
			Jitter:      p.Jitter,
		},
		Extractor: DefaultExtractor(),
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// LoadFile decodes a TOML file over cfg. A missing file is not an error.
func LoadFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Load builds Config from defaults, the TOML file, flags and environment,
// in that order of precedence (later wins).
func Load(args []string) (*Config, error) {
	return LoadNamed("gdownloader", args)
}

// LoadNamed is Load with a custom program name for usage output.
func LoadNamed(name string, args []string) (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath(), "TOML config file")
	port := fs.Int("port", 0, "HTTP server port")
	db := fs.String("db", "", "SQLite database path")
	outputDir := fs.String("output-dir", "", "Download directory")
	workers := fs.Int("workers", 0, "Number of concurrent downloads")
	queueCap := fs.Int("queue-capacity", 0, "Maximum queued jobs")
	maxAttempts := fs.Int("max-attempts", 0, "Maximum attempts per job")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := LoadFile(cfg, *configPath); err != nil {
		return nil, err
	}

	// Flags override the file only when set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.DBPath = *db
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "workers":
			cfg.Workers = *workers
		case "queue-capacity":
			cfg.QueueCapacity = *queueCap
		case "max-attempts":
			cfg.Retry.MaxAttempts = *maxAttempts
		}
	})

	// Env overrides
	if port := os.Getenv("GDOWNLOADER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if db := os.Getenv("GDOWNLOADER_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := os.Getenv("GDOWNLOADER_OUTPUT_DIR"); dir != "" {
		cfg.OutputDir = dir
	}
	if w := os.Getenv("GDOWNLOADER_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil {
			cfg.Workers = n
		}
	}
	if secret := os.Getenv("GDOWNLOADER_SECRET"); secret != "" {
		cfg.Secret = secret
	}

	cfg.Args = fs.Args()
	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.OutputDir = ExpandPath(cfg.OutputDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, fmt.Errorf("retry.factor must be >= 1, got %g", c.Retry.Factor))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0,1), got %g", c.Retry.Jitter))
	}
	if c.Extractor.Command == "" {
		errs = append(errs, errors.New("extractor.command is required"))
	}
	for _, p := range c.Extractor.Platforms {
		if domain.ParsePlatform(p) == domain.PlatformUnknown {
			errs = append(errs, fmt.Errorf("extractor.platforms: unknown platform %q", p))
		}
	}
	return errors.Join(errs...)
}
