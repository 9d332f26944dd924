// Package config loads the daemon configuration.
//
// Values come from a YAML file, LOCALSYNC_* environment variables, and
// built-in defaults, in that order of precedence. The algorithms never
// hard-code their tunables; everything lands here.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig configures the local cache database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig configures the pending-operation queue and its worker.
type SyncConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
}

// ReconcileConfig configures the change-feed subscriptions.
type ReconcileConfig struct {
	Partitions []string      `mapstructure:"partitions"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
	RetryCap   time.Duration `mapstructure:"retry_cap"`
}

// FeedConfig configures feed ranking.
type FeedConfig struct {
	RadiusKm float64       `mapstructure:"radius_km"`
	Weights  WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig holds the scoring weights.
type WeightsConfig struct {
	Interested    float64 `mapstructure:"interested"`
	Disinterested float64 `mapstructure:"disinterested"`
	Likes         float64 `mapstructure:"likes"`
	LikeCap       int     `mapstructure:"like_cap"`
	Comments      float64 `mapstructure:"comments"`
	CommentCap    int     `mapstructure:"comment_cap"`
	Rating        float64 `mapstructure:"rating"`
	Recency       float64 `mapstructure:"recency"`
}

// DashboardConfig configures the local status dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures daemon log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Loader reads and watches one configuration source.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader. An empty path means defaults and environment
// only.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("LOCALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "localsync.db")

	v.SetDefault("sync.debounce", time.Minute)
	v.SetDefault("sync.poll_interval", time.Second)
	v.SetDefault("sync.remote_timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 6)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_cap", 10*time.Minute)
	v.SetDefault("sync.max_in_flight", 8)

	v.SetDefault("reconcile.partitions", []string{"unknown"})
	v.SetDefault("reconcile.retry_base", 5*time.Second)
	v.SetDefault("reconcile.retry_cap", 5*time.Minute)

	v.SetDefault("feed.radius_km", 50.0)
	v.SetDefault("feed.weights.interested", 0.40)
	v.SetDefault("feed.weights.disinterested", -0.20)
	v.SetDefault("feed.weights.likes", 0.15)
	v.SetDefault("feed.weights.like_cap", 100)
	v.SetDefault("feed.weights.comments", 0.10)
	v.SetDefault("feed.weights.comment_cap", 50)
	v.SetDefault("feed.weights.rating", 0.20)
	v.SetDefault("feed.weights.recency", 0.15)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:7313")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Load reads the configuration. A missing config file is not an error; the
// defaults apply.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the configuration when the file changes and hands the
// result to onChange. Invalid edits are reported with a nil config; the
// previous configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load()
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.MaxInFlight < 1 {
		return fmt.Errorf("sync.max_in_flight must be at least 1, got %d", c.Sync.MaxInFlight)
	}
	if c.Sync.BackoffBase < 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff cap %s must be at least the base %s", c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	if c.Feed.RadiusKm <= 0 {
		return fmt.Errorf("feed.radius_km must be positive, got %g", c.Feed.RadiusKm)
	}
	if len(c.Reconcile.Partitions) == 0 {
		return fmt.Errorf("reconcile.partitions cannot be empty")
	}
	return nil
}
