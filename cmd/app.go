package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"schedcache/internal/cache"
	"schedcache/internal/caldav"
	"schedcache/internal/config"
	"schedcache/internal/coverage"
	"schedcache/internal/google"
	"schedcache/internal/guard"
	"schedcache/internal/models"
	"schedcache/internal/provider"
	"schedcache/internal/store"
	"schedcache/internal/store/gormstore"
	"schedcache/internal/store/sqlite"
	"schedcache/internal/syncer"
)

// app holds everything one process builds once and shares between commands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	service *cache.Service
	closers []func() error
}

// loadConfig reads the configuration. Only commands that build the cache
// need it validated; the Google account commands do not touch the provider
// or the store.
func loadConfig(c *cli.Context, validate bool) (config.Config, *slog.Logger, error) {
	load := config.Read
	if validate {
		load = config.Load
	}
	cfg, err := load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, setupLogger(cfg.Log), nil
}

func newApp(c *cli.Context) (*app, error) {
	cfg, logger, err := loadConfig(c, true)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	client, err := newProvider(c.Context, logger, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	policy, err := coverage.ParsePolicy(cfg.Cache.Planner)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []cache.Option{}
	if locker := a.newLocker(c.Context); locker != nil {
		opts = append(opts, cache.WithLocker(locker))
	}

	a.service = cache.New(logger, st, client, cache.Config{
		FreshnessWindow: cfg.Cache.FreshnessWindow(),
		Chunk: syncer.ChunkConfig{
			WindowSize:  cfg.Cache.ChunkSize(),
			PageSize:    cfg.Cache.MaxPageSize,
			CallTimeout: cfg.Provider.Timeout(),
			Concurrency: cfg.Cache.ChunkConcurrency,
		},
		Policy:    policy,
		Retention: cfg.Cache.Retention(),
		LockTTL:   cfg.Guard.LockTTL,
	}, opts...)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return gormstore.Open(cfg.DSN)
	default:
		return sqlite.Open(cfg.Path)
	}
}

func newProvider(ctx context.Context, logger *slog.Logger, cfg config.Config) (provider.Client, error) {
	switch cfg.Provider.Kind {
	case "google":
		return google.NewClient(ctx, logger, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.Account, cfg.Google.Calendars())
	case "caldav":
		return caldav.NewClient(ctx, logger, caldav.Config{
			Endpoint: cfg.CalDAV.Endpoint,
			Username: cfg.CalDAV.Username,
			Password: cfg.CalDAV.Password,
			Calendar: cfg.CalDAV.Calendar,
		})
	default:
		httpClient := &http.Client{Timeout: cfg.Provider.Timeout()}
		return provider.NewHTTPClient(logger, cfg.Provider.BaseURL, cfg.Provider.Token, cfg.Provider.Organization, httpClient), nil
	}
}

// newLocker returns a Redis locker when one is configured and reachable.
// Otherwise the service keeps its in-process locker.
func (a *app) newLocker(ctx context.Context) guard.Locker {
	if a.cfg.Guard.RedisAddr == "" {
		return nil
	}
	locker := guard.NewRedisLocker(a.logger, &redis.Options{Addr: a.cfg.Guard.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := locker.Ping(pingCtx); err != nil {
		a.logger.Warn("Redis unreachable, using in-process fetch guard only", "addr", a.cfg.Guard.RedisAddr, "error", err)
		_ = locker.Close()
		return nil
	}
	a.closers = append(a.closers, locker.Close)
	a.logger.Info("Using Redis fetch guard", "addr", a.cfg.Guard.RedisAddr)
	return locker
}

// queryArgs reads --start, --end and --scope.
func queryArgs(c *cli.Context) (models.DateRange, models.Scope, error) {
	r, err := models.ParseDateRange(c.String("start"), c.String("end"))
	if err != nil {
		return models.DateRange{}, models.Scope{}, err
	}
	if !r.Valid() {
		return models.DateRange{}, models.Scope{}, cache.ErrInvalidRange
	}
	scope, err := models.ParseScope(c.String("scope"))
	if err != nil {
		return models.DateRange{}, models.Scope{}, err
	}
	return r, scope, nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
