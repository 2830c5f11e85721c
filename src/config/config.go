// Package config loads chordcache settings from the config file, the
// environment and command-line flags.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// AppName scopes the config and data directories.
const AppName = "chordcache"

// Config holds the settings that shape the cache.
type Config struct {
	DataDir string
	APIBase string

	// Local storage quota in bytes.
	StorageQuota int64

	RefreshThreshold time.Duration
	SearchExpiration time.Duration
	RequestTimeout   time.Duration
	RequestsPerMin   int

	ChordSheetTTL time.Duration
	MaxTransient  int

	// Ephemeral keeps local storage in memory.
	Ephemeral bool
}

// DatabasePath is the SQLite file inside DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "chordcache.db")
}

// StorageDir is the local storage directory inside DataDir.
func (c Config) StorageDir() string {
	return filepath.Join(c.DataDir, "localstorage")
}

// Env holds runtime settings read from the environment only.
type Env struct {
	Debug   bool   `env:"CHORDCACHE_DEBUG"`
	LogFile string `env:"CHORDCACHE_LOG_FILE"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return e, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) error {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return err
	}
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("api_base", "http://localhost:3001")
	v.SetDefault("storage.quota", 5*1024*1024)
	v.SetDefault("storage.ephemeral", false)
	v.SetDefault("search.refresh_threshold", "24h")
	v.SetDefault("search.expiration", "720h")
	v.SetDefault("search.timeout", "15s")
	v.SetDefault("search.requests_per_minute", 60)
	v.SetDefault("chord_sheets.ttl", "168h")
	v.SetDefault("chord_sheets.max_transient", 200)
	return nil
}

// Load builds a Config from v.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		DataDir:          v.GetString("data_dir"),
		APIBase:          v.GetString("api_base"),
		StorageQuota:     v.GetInt64("storage.quota"),
		Ephemeral:        v.GetBool("storage.ephemeral"),
		RefreshThreshold: v.GetDuration("search.refresh_threshold"),
		SearchExpiration: v.GetDuration("search.expiration"),
		RequestTimeout:   v.GetDuration("search.timeout"),
		RequestsPerMin:   v.GetInt("search.requests_per_minute"),
		ChordSheetTTL:    v.GetDuration("chord_sheets.ttl"),
		MaxTransient:     v.GetInt("chord_sheets.max_transient"),
	}
	return c, c.Validate()
}

// Validate rejects settings the cache cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.RefreshThreshold <= 0 || c.SearchExpiration <= 0 {
		return fmt.Errorf("search durations must be positive")
	}
	if c.RefreshThreshold > c.SearchExpiration {
		return fmt.Errorf("search.refresh_threshold (%s) must not exceed search.expiration (%s)", c.RefreshThreshold, c.SearchExpiration)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("search.timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.StorageQuota < 0 {
		return fmt.Errorf("storage.quota must not be negative")
	}
	return nil
}

// DefaultDataDir is the per-user data directory.
func DefaultDataDir() (string, error) {
	scope := gap.NewScope(gap.User, AppName)
	dirs, err := scope.DataDirs()
	if err != nil || len(dirs) == 0 {
		return "", fmt.Errorf("could not find data directory: %w", err)
	}
	return dirs[0], nil
}

// ConfigDirs lists where the config file is looked up.
func ConfigDirs() ([]string, error) {
	scope := gap.NewScope(gap.User, AppName)
	return scope.ConfigDirs()
}
