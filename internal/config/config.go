package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "5m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements toml encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the daemon config file.
type Config struct {
	// Enabled toggles the cache entirely. When false every read goes
	// straight to the network.
	Enabled bool `toml:"enabled"`

	// CacheFirst controls whether reads consult the cache before the
	// network. When false the cache is still written on fetches.
	CacheFirst bool `toml:"cache_first"`

	// PrefetchEnabled controls background prefetch of the next page.
	PrefetchEnabled bool `toml:"prefetch_enabled"`

	// FreshnessWindow is the maximum age of a cached page before it is
	// refetched from the network.
	FreshnessWindow Duration `toml:"freshness_window"`

	// MaxCacheSize is the eviction threshold in bytes.
	MaxCacheSize int64 `toml:"max_cache_size"`

	// SweepInterval is how often the cleanup sweep checks the threshold.
	SweepInterval Duration `toml:"sweep_interval"`

	APIBaseURL     string   `toml:"api_base_url"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Default returns the built-in defaults, written on first run.
func Default() *Config {
	return &Config{
		Enabled:         true,
		CacheFirst:      true,
		PrefetchEnabled: true,
		FreshnessWindow: Duration{5 * time.Minute},
		MaxCacheSize:    50 * 1024 * 1024,
		SweepInterval:   Duration{10 * time.Minute},
		RequestTimeout:  Duration{15 * time.Second},
	}
}

// Load reads config from the given path. Returns an error if the file
// is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadOrInit loads the config at path, writing and returning defaults
// when the file does not exist yet.
func LoadOrInit(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
