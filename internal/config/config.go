package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Provider ProviderConfig `mapstructure:"provider"`
	Google   GoogleConfig   `mapstructure:"google"`
	CalDAV   CalDAVConfig   `mapstructure:"caldav"`
	Store    StoreConfig    `mapstructure:"store"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Server   ServerConfig   `mapstructure:"server"`
	Warm     WarmConfig     `mapstructure:"warm"`
	Log      LogConfig      `mapstructure:"log"`
}

type CacheConfig struct {
	FreshnessWindowHours int    `mapstructure:"freshness_window_hours"`
	ChunkSizeDays        int    `mapstructure:"chunk_size_days"`
	MaxPageSize          int    `mapstructure:"max_page_size"`
	ChunkConcurrency     int    `mapstructure:"chunk_concurrency"`
	Planner              string `mapstructure:"planner"`
	RetentionDays        int    `mapstructure:"retention_days"`
}

func (c CacheConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowHours) * time.Hour
}

func (c CacheConfig) ChunkSize() time.Duration {
	return time.Duration(c.ChunkSizeDays) * 24 * time.Hour
}

// Retention is zero when no horizon is configured.
func (c CacheConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type ProviderConfig struct {
	Kind           string `mapstructure:"kind"`
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	Organization   string `mapstructure:"organization"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Account      string `mapstructure:"account"`
	// CalendarIDs is a comma separated list.
	CalendarIDs string `mapstructure:"calendar_ids"`
}

func (g GoogleConfig) Calendars() []string {
	var ids []string
	for _, id := range strings.Split(g.CalendarIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type CalDAVConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Calendar string `mapstructure:"calendar"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type GuardConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type WarmConfig struct {
	Schedule  string `mapstructure:"schedule"`
	Scope     string `mapstructure:"scope"`
	DaysBack  int    `mapstructure:"days_back"`
	DaysAhead int    `mapstructure:"days_ahead"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the configuration like Read and validates it.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read loads .env (if present), the optional YAML file at path and
// SCHEDCACHE_* environment variables, in increasing precedence, without
// validating the result. Commands that only talk to Google use it.
func Read(path string) (Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SCHEDCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv also reaches keys without
// a meaningful default during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.freshness_window_hours", 24)
	v.SetDefault("cache.chunk_size_days", 30)
	v.SetDefault("cache.max_page_size", 100)
	v.SetDefault("cache.chunk_concurrency", 1)
	v.SetDefault("cache.planner", "full")
	v.SetDefault("cache.retention_days", 730)

	v.SetDefault("provider.kind", "scheduling")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.organization", "")
	v.SetDefault("provider.timeout_seconds", 20)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.account", "")
	v.SetDefault("google.calendar_ids", "")

	v.SetDefault("caldav.endpoint", "https://caldav.icloud.com/")
	v.SetDefault("caldav.username", "")
	v.SetDefault("caldav.password", "")
	v.SetDefault("caldav.calendar", "")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "schedcache.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("guard.redis_addr", "")
	v.SetDefault("guard.lock_ttl", "2m")

	v.SetDefault("server.http_addr", ":8080")

	v.SetDefault("warm.schedule", "@every 30m")
	v.SetDefault("warm.scope", "all")
	v.SetDefault("warm.days_back", 7)
	v.SetDefault("warm.days_ahead", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// Validate rejects values the cache cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("cache.freshness_window_hours", c.Cache.FreshnessWindowHours)
	positive("cache.chunk_size_days", c.Cache.ChunkSizeDays)
	positive("cache.max_page_size", c.Cache.MaxPageSize)
	positive("cache.chunk_concurrency", c.Cache.ChunkConcurrency)
	positive("provider.timeout_seconds", c.Provider.TimeoutSeconds)
	if c.Cache.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("cache.retention_days must not be negative, got %d", c.Cache.RetentionDays))
	}

	switch c.Cache.Planner {
	case "full", "gaps":
	default:
		errs = append(errs, fmt.Errorf("cache.planner must be full or gaps, got %q", c.Cache.Planner))
	}

	switch c.Provider.Kind {
	case "scheduling":
		if c.Provider.Token == "" {
			errs = append(errs, errors.New("provider.token is required for the scheduling provider"))
		}
	case "google", "caldav":
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be scheduling, google or caldav, got %q", c.Provider.Kind))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	if c.Guard.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("guard.lock_ttl must be positive, got %s", c.Guard.LockTTL))
	}
	if c.Warm.DaysBack < 0 || c.Warm.DaysAhead < 0 {
		errs = append(errs, errors.New("warm.days_back and warm.days_ahead must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
