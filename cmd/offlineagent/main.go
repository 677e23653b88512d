// Command offlineagent runs the caching agent next to a performance view. Views
// connect over a websocket at /ws and speak the agent message protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/illmade-knight/go-gigcache/pkg/agent"
	"github.com/illmade-knight/go-gigcache/pkg/agent/wsbridge"
	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/illmade-knight/go-gigcache/pkg/microservice"
	"github.com/rs/zerolog"
)

// Config is read from the environment.
type Config struct {
	microservice.BaseConfig

	AppName       string `env:"CACHE_APP_NAME" envDefault:"gigcache"`
	DataVersion   int    `env:"CACHE_DATA_VERSION" envDefault:"1"`
	AssetsVersion int    `env:"CACHE_ASSETS_VERSION" envDefault:"1"`

	Store      string        `env:"CACHE_STORE" envDefault:"sqlite"`
	SQLitePath string        `env:"CACHE_SQLITE_PATH" envDefault:"gigcache-offline.db"`
	BusyWait   time.Duration `env:"CACHE_SQLITE_BUSY_TIMEOUT" envDefault:"5s"`

	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"gigcache:"`

	OriginBaseURL string        `env:"ORIGIN_BASE_URL,required"`
	OriginTimeout time.Duration `env:"ORIGIN_TIMEOUT" envDefault:"15s"`

	DataPattern   string   `env:"ROUTE_DATA_PATTERN"`
	PagePattern   string   `env:"ROUTE_PAGE_PATTERN"`
	AssetPrefixes []string `env:"ROUTE_ASSET_PREFIXES" envSeparator:","`

	NumWorkers     int           `env:"AGENT_WORKERS" envDefault:"4"`
	RefreshTimeout time.Duration `env:"AGENT_REFRESH_TIMEOUT" envDefault:"30s"`
	AllowedOrigins []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
}

func main() {
	cfg := Config{}
	if err := microservice.ParseEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "offlineagent: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offlineagent"
	}
	logger, err := microservice.NewLogger(cfg.BaseConfig, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "offlineagent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Offline agent failed.")
	}
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	namespaces, err := cache.NewNamespaceSet(cfg.AppName, cfg.DataVersion, cfg.AssetsVersion)
	if err != nil {
		return err
	}
	routes := agent.DefaultRoutes()
	if cfg.DataPattern != "" {
		routes.DataPattern = cfg.DataPattern
	}
	if cfg.PagePattern != "" {
		routes.PagePattern = cfg.PagePattern
	}
	if len(cfg.AssetPrefixes) > 0 {
		routes.AssetPrefixes = cfg.AssetPrefixes
	}

	origin, err := agent.NewHTTPOrigin(agent.HTTPOriginConfig{
		BaseURL: cfg.OriginBaseURL,
		Timeout: cfg.OriginTimeout,
	}, nil, logger)
	if err != nil {
		return err
	}

	store := openStore(ctx, cfg, logger)
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("Error closing cache store.")
			}
		}()
	}

	metrics := agent.NewMetrics()
	a, err := agent.New(agent.Config{
		Namespaces:     namespaces,
		Routes:         routes,
		NumWorkers:     cfg.NumWorkers,
		RefreshTimeout: cfg.RefreshTimeout,
	}, store, origin, logger, agent.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	var server microservice.Service = microservice.NewBaseServer(logger, cfg.HTTPPort)
	router := server.Router()
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", gin.WrapH(wsbridge.NewHandler(wsbridge.Config{AllowedOrigins: cfg.AllowedOrigins}, a, logger)))
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("store", cfg.Store).Bool("degraded", a.Degraded()).Msg("Offline agent started.")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	serverErr := server.Shutdown(shutdownCtx)
	agentErr := a.Stop(shutdownCtx)
	return errors.Join(serverErr, agentErr)
}

// openStore opens the configured persistent store. A store that cannot be
// opened yields nil, which runs the agent in degraded network-only mode.
func openStore(ctx context.Context, cfg Config, logger zerolog.Logger) cache.Store {
	var (
		store cache.Store
		err   error
	)
	switch cfg.Store {
	case "sqlite":
		store, err = cache.OpenSQLiteStore(ctx, cache.SQLiteConfig{Path: cfg.SQLitePath, BusyTimeout: cfg.BusyWait}, logger)
	case "redis":
		store, err = cache.NewRedisStore(ctx, &cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, logger)
	case "memory":
		store = cache.NewInMemoryStore()
	case "none":
		logger.Warn().Msg("Offline storage disabled by configuration.")
		return nil
	default:
		err = fmt.Errorf("unknown CACHE_STORE %q", cfg.Store)
	}
	if err != nil {
		logger.Error().Err(err).Str("store", cfg.Store).Msg("Cache store unavailable; running without offline support.")
		return nil
	}
	return store
}
