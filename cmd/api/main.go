package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/K-Schubert/mediawatch/internal/app"
	"github.com/K-Schubert/mediawatch/internal/archive"
	"github.com/K-Schubert/mediawatch/internal/config"
	"github.com/K-Schubert/mediawatch/internal/extractor"
	"github.com/K-Schubert/mediawatch/internal/logging"
	"github.com/K-Schubert/mediawatch/internal/ratelimit"
	"github.com/K-Schubert/mediawatch/internal/revisions"
	"github.com/K-Schubert/mediawatch/internal/search"
	"github.com/K-Schubert/mediawatch/internal/session"
	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/K-Schubert/mediawatch/internal/taxonomy"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal(logger, "migrations failed", err)
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		fatal(logger, "failed to create revisions dir", err)
	}

	dataStore := store.NewPostgresStore(db)
	limiterPolicy := ratelimit.Policy{MaxAttempts: cfg.LoginMaxAttempts, Window: cfg.LoginLockout}
	deps := app.Dependencies{
		Store:     dataStore,
		Revisions: revisions.New(cfg.RevisionsDir),
		Logger:    logger,
	}

	// Redis holds refresh sessions, revoked tokens and login attempts when configured.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for sessions and login limiter")
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		redisStore := session.NewRedisStoreWithClient(client)
		defer redisStore.Close()
		deps.Sessions = redisStore
		deps.Limiter = ratelimit.NewRedis(client, limiterPolicy)
	} else {
		logger.Info("using postgres for sessions, in-memory login limiter")
		deps.Limiter = ratelimit.NewMemory(limiterPolicy)
	}

	table := taxonomy.Default()
	if cfg.TaxonomyFile != "" {
		table, err = taxonomy.Load(cfg.TaxonomyFile)
		if err != nil {
			fatal(logger, "taxonomy load failed", err)
		}
	}
	deps.Taxonomy = table

	tacticExtractor, err := extractor.New(ctx, extractor.Config{
		Provider:     cfg.ExtractorProvider,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		OpenAIURL:    cfg.OpenAIBaseURL,
		OpenAIModel:  cfg.OpenAIModel,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	}, table)
	if err != nil {
		// Analysis degrades to zero candidates; the rest of the API still works.
		logger.Warn("tactic extractor unavailable", "provider", cfg.ExtractorProvider, "error", err)
		tacticExtractor = extractor.None{}
	}
	deps.Extractor = tacticExtractor

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	deps.Search = searchService

	rawArchive, err := archive.Open(ctx, archive.Config{
		Backend:        cfg.ArchiveBackend,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
		MongoURI:       cfg.MongoURI,
		MongoDatabase:  cfg.MongoDatabase,
	})
	if err != nil {
		logger.Warn("raw page archive unavailable", "backend", cfg.ArchiveBackend, "error", err)
		rawArchive = archive.Nop{}
	}
	defer rawArchive.Close(context.Background())
	deps.Archive = rawArchive

	service := app.New(cfg, deps)

	go func() {
		reindexCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		searchService.ReindexAll(reindexCtx)
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Analysis waits on the extractor.
		WriteTimeout: cfg.ExtractorTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("mediawatch api listening", "addr", cfg.Addr, "extractor", tacticExtractor.Model())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
