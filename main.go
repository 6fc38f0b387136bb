// Package main implements a Cloud Run service that keeps a network-wide list of
// recently published posts and renders it as a widget.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recentposts/config"
	"recentposts/domainmap"
	"recentposts/presenter"
	"recentposts/recorder"
	"recentposts/server"
	"recentposts/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backends close only after the server has drained in-flight requests.
	store, closeStore, err := openStore(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver, closeResolver, err := openResolver(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeResolver()

	rec := recorder.New(store, resolver, recorder.Config{
		SkipPrimarySite:   cfg.SkipPrimarySite,
		PrimarySiteID:     cfg.PrimarySiteID,
		FirstPostTemplate: cfg.FirstPostTemplate,
		NetworkHomeURL:    cfg.NetworkHomeURL,
		NetworkName:       cfg.NetworkName,
	}, logger)

	srv := server.New(&server.Config{
		Recorder: rec,
		Store:    store,
		Logger:   logger,
		Chrome: presenter.Chrome{
			BeforeWidget: cfg.BeforeWidget,
			AfterWidget:  cfg.AfterWidget,
			BeforeTitle:  cfg.BeforeTitle,
			AfterTitle:   cfg.AfterTitle,
		},
		PublishToken: cfg.PublishToken,
		PublishRate:  rate.Limit(cfg.PublishRate),
		PublishBurst: cfg.PublishBurst,
	})
	if cfg.PublishToken == "" {
		logger.Warn("PUBLISH_TOKEN not set, /publish accepts unauthenticated requests")
	}

	if err := srv.Run(ctx, cfg.Port); err != nil {
		return err
	}
	logger.Info("Server exited properly")
	return nil
}

// listStore is satisfied by every storage backend.
type listStore interface {
	recorder.Store
	server.Store
}

// openStore selects the storage backend: Redis, then Cloud Storage, then the local filesystem.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (listStore, func(), error) {
	if cfg.RedisURL != "" {
		r, err := storage.NewRedisWithURL(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("Using Redis storage")
		return r, func() {
			if err := r.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil
	}

	if cfg.StorageBucket != "" {
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}

	localPath := cfg.LocalStorage
	if localPath == "" {
		localPath = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localPath)
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create local storage directory: %w", err)
	}
	logger.Info("Running in local development mode", "storage_path", localPath)
	return storage.New(nil, "", localPath, logger), func() {}, nil
}

// openResolver builds the domain mapping lookup. Static entries take precedence over the database.
func openResolver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domainmap.Resolver, func(), error) {
	static, err := domainmap.ParseStatic(cfg.DomainMap)
	if err != nil {
		return nil, nil, err
	}

	if cfg.DatabaseURL == "" {
		if len(static) == 0 {
			return nil, func() {}, nil
		}
		logger.Info("Using static domain mapping", "sites", len(static))
		return static, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	pg, err := domainmap.NewPostgres(pool, cfg.DomainMappingTable)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Using database domain mapping", "table", cfg.DomainMappingTable, "cache_ttl", cfg.DomainCacheTTL)

	var resolver domainmap.Resolver = domainmap.NewCached(pg, cfg.DomainCacheSize, cfg.DomainCacheTTL, logger)
	if len(static) > 0 {
		resolver = domainmap.Chain{static, resolver}
	}
	return resolver, pool.Close, nil
}
