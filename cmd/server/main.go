package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/docvault/internal/cache"
	"github.com/sdko-org/docvault/internal/config"
	"github.com/sdko-org/docvault/internal/database"
	"github.com/sdko-org/docvault/internal/documents"
	"github.com/sdko-org/docvault/internal/encryption"
	"github.com/sdko-org/docvault/internal/handlers"
	httpserver "github.com/sdko-org/docvault/internal/http"
	"github.com/sdko-org/docvault/internal/metadata"
	"github.com/sdko-org/docvault/internal/render"
	"github.com/sdko-org/docvault/internal/storage"
	"github.com/sdko-org/docvault/internal/templates"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	cipher, err := encryption.New(cfg.EncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("Encryption key rejected")
	}

	db, err := openDatabase(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Database initialization failed")
	}

	blobs, err := openBlobStore(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Blob store initialization failed")
	}

	resultCache, err := cache.NewResultCache(logger, cfg.ResultCacheSize)
	if err != nil {
		logger.WithError(err).Fatal("Result cache initialization failed")
	}

	resolver := templates.NewResolver(logger, os.DirFS(cfg.TemplateDir))

	pool := render.NewPool(logger, render.PoolConfig{
		Size:          cfg.RenderPoolSize,
		RenderTimeout: cfg.RenderTimeout,
		MaxAge:        cfg.RenderHandleMaxAge,
		MaxUses:       cfg.RenderHandleMaxUses,
	}, render.ChromeLauncher(logger, render.ChromeOptions{
		ExecPath:  cfg.ChromePath,
		NoSandbox: cfg.ChromeNoSandbox,
	}))

	svc := documents.NewService(logger, documents.Deps{
		Templates: resolver,
		Renderer:  pool,
		Cipher:    cipher,
		Blobs:     blobs,
		Metadata:  metadata.NewStore(logger, db),
		Cache:     resultCache,

		GenerateTimeout: cfg.GenerateTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TemplateWatch {
		watcher, err := templates.NewWatcher(logger, cfg.TemplateDir, resolver)
		if err != nil {
			logger.WithError(err).Warn("Template hot reload disabled")
		} else {
			go watcher.Run(ctx)
		}
	}

	go documents.NewReaper(logger, svc, cfg.DocumentRetention, cfg.ReaperInterval).Start(ctx)

	limiter := handlers.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	go limiter.Cleanup(ctx)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger))
	r.Use(limiter.Middleware)
	handlers.RegisterRoutes(r, handlers.NewDocumentHandler(logger, svc))

	err = httpserver.Run(ctx, logger, httpserver.Config{
		Addr:            cfg.HTTPAddr,
		TLSAddr:         cfg.HTTPSAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, r)
	if err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}

	pool.Shutdown()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("Shutdown complete")
}

func openDatabase(logger *logrus.Logger, cfg *config.Config) (*gorm.DB, error) {
	if cfg.MetadataDriver == config.MetadataDriverSQLite {
		return database.NewSQLiteDB(logger, cfg.SQLitePath)
	}
	return database.NewPostgresDB(logger, database.PostgresConfig{
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		DBName:   cfg.PostgresDatabase,
		SSLMode:  cfg.PostgresSSLMode,
	})
}

func openBlobStore(logger *logrus.Logger, cfg *config.Config) (storage.Store, error) {
	if cfg.BlobBackend == config.BlobBackendFilesystem {
		return storage.NewFileStore(logger, cfg.BlobDir)
	}
	return storage.NewS3Store(logger, storage.S3Config{
		Bucket:      cfg.S3Bucket,
		Region:      cfg.S3Region,
		Endpoint:    cfg.S3Endpoint,
		AccessKey:   cfg.S3AccessKey,
		SecretKey:   cfg.S3SecretKey,
		PartSize:    cfg.S3PartSize,
		Concurrency: cfg.S3Concurrency,
	})
}
