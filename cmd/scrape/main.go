// Command scrape runs the registered news sources once and ingests every
// article through the same path as the API: upsert, revision, raw page
// archive and search index.
//
//	scrape                      # every registered source
//	scrape -source lecourrier   # one source
//	scrape -topic climat https://example.org/a https://example.org/b
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/K-Schubert/mediawatch/internal/app"
	"github.com/K-Schubert/mediawatch/internal/archive"
	"github.com/K-Schubert/mediawatch/internal/config"
	"github.com/K-Schubert/mediawatch/internal/logging"
	"github.com/K-Schubert/mediawatch/internal/revisions"
	"github.com/K-Schubert/mediawatch/internal/scrape"
	"github.com/K-Schubert/mediawatch/internal/search"
	"github.com/K-Schubert/mediawatch/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	sourceName := flag.String("source", "", "run only this source")
	topic := flag.String("topic", "", "Le Courrier search topic")
	workers := flag.Int("workers", 4, "concurrent detail fetches per source")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, logger)
		defer meiliClient.Close()
	}

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
		fatal(logger, "raw page archive unavailable", err)
	}
	defer rawArchive.Close(context.Background())

	service := app.New(cfg, app.Dependencies{
		Store:     store.NewPostgresStore(db),
		Search:    search.NewService(meiliClient, search.NewPgFTS(db), logger),
		Revisions: revisions.New(cfg.RevisionsDir),
		Archive:   rawArchive,
		Logger:    logger,
	})

	registry := scrape.NewRegistry()
	registry.Register(scrape.NewLeCourrier(scrape.LeCourrierOptions{
		Topic:     *topic,
		UserAgent: cfg.ScrapeUserAgent,
		MaxPages:  cfg.ScrapeMaxPages,
		Delay:     cfg.ScrapeDelay,
	}))
	var names []string
	if *sourceName != "" {
		names = append(names, *sourceName)
	}
	if links := flag.Args(); len(links) > 0 {
		list := scrape.NewURLList("", links, cfg.ScrapeUserAgent, nil)
		registry.Register(list)
		names = []string{list.Name()}
	}

	sink := scrape.SinkFunc(func(ctx context.Context, page scrape.Page) (bool, error) {
		_, inserted, err := service.IngestArticle(ctx, page.Article, page.RawHTML, page.FetchedAt, "scraper")
		return inserted, err
	})
	reports, err := scrape.NewPipeline(registry, sink, *workers, logger).Run(ctx, names...)
	_ = json.NewEncoder(os.Stdout).Encode(reports)
	if err != nil {
		fatal(logger, "scrape failed", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
