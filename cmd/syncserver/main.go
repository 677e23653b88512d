// Command syncserver serves the read-only sync API (manifest and delta) over a
// SQLite database or a Firestore project.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/illmade-knight/go-gigcache/pkg/microservice"
	"github.com/illmade-knight/go-gigcache/pkg/syncapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Config is read from the environment.
type Config struct {
	microservice.BaseConfig

	Source     string `env:"SYNC_SOURCE" envDefault:"sqlite"`
	SQLitePath string `env:"SYNC_SQLITE_PATH" envDefault:"gigcache-sync.db"`

	ProjectID       string `env:"FIRESTORE_PROJECT_ID"`
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	RootCollection  string `env:"FIRESTORE_ROOT_COLLECTION" envDefault:"bands"`
	UpdatedAtField  string `env:"FIRESTORE_UPDATED_AT_FIELD" envDefault:"updatedAt"`

	Collections     []string      `env:"SYNC_COLLECTIONS" envSeparator:","`
	DeltaCap        int           `env:"SYNC_DELTA_CAP" envDefault:"100"`
	DefaultLookback time.Duration `env:"SYNC_DEFAULT_LOOKBACK" envDefault:"24h"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

func main() {
	cfg := Config{}
	if err := microservice.ParseEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "syncserver: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "syncserver"
	}
	logger, err := microservice.NewLogger(cfg.BaseConfig, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncserver: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Sync server failed.")
	}
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	source, closer, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing sync source.")
		}
	}()

	service, err := syncapi.NewService(syncapi.ServiceConfig{
		Collections:     cfg.Collections,
		DeltaCap:        cfg.DeltaCap,
		DefaultLookback: cfg.DefaultLookback,
	}, source, logger)
	if err != nil {
		return fmt.Errorf("create sync service: %w", err)
	}

	var server microservice.Service = microservice.NewBaseServer(logger, cfg.HTTPPort)
	router := server.Router()
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Accept", "Cache-Control"},
			MaxAge:       12 * time.Hour,
		}))
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	syncapi.NewHandlers(service, logger).RegisterRoutes(router)

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("source", cfg.Source).Strs("collections", service.Collections()).Msg("Sync server started.")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openSource(ctx context.Context, cfg Config, logger zerolog.Logger) (syncapi.Source, io.Closer, error) {
	switch cfg.Source {
	case "sqlite":
		src, err := syncapi.OpenSQLiteSource(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	case "firestore":
		if cfg.ProjectID == "" {
			return nil, nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore source")
		}
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		src, err := syncapi.NewFirestoreSource(&syncapi.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			RootCollection: cfg.RootCollection,
			UpdatedAtField: cfg.UpdatedAtField,
		}, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return src, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown SYNC_SOURCE %q", cfg.Source)
	}
}
