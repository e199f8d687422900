package search

import (
	"context"
	"log/slog"
)

// backend is what the facade needs from Meilisearch. *Meili satisfies it.
type backend interface {
	Searcher
	Indexer
	IndexArticles([]ArticleRecord) error
	IndexAnnotations([]AnnotationRecord) error
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili    backend
	fallback Searcher
	loader   func(context.Context) ([]ArticleRecord, []AnnotationRecord, error)
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
// Errors degrade to an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) ready() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// Healthy reports whether Meilisearch is serving. False means queries go
// to the Postgres fallback.
func (s *Service) Healthy() bool {
	return s.ready()
}

// IndexArticle indexes an article (fire-and-forget).
func (s *Service) IndexArticle(a ArticleRecord) {
	if !s.ready() {
		return
	}
	a.Text = TruncateText(a.Text)
	go func() {
		if err := s.meili.IndexArticle(a); err != nil {
			s.logger.Warn("index article", "id", a.ID, "error", err)
		}
	}()
}

// IndexAnnotation indexes an annotation (fire-and-forget).
func (s *Service) IndexAnnotation(a AnnotationRecord) {
	if !s.ready() {
		return
	}
	go func() {
		if err := s.meili.IndexAnnotation(a); err != nil {
			s.logger.Warn("index annotation", "id", a.ID, "error", err)
		}
	}()
}

// DeleteAnnotation removes an annotation from the index (fire-and-forget).
func (s *Service) DeleteAnnotation(id string) {
	if !s.ready() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(id); err != nil {
			s.logger.Warn("delete annotation from index", "id", id, "error", err)
		}
	}()
}

// ReindexAll reads every searchable row from Postgres and pushes it to
// Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.ready() || s.loader == nil {
		return
	}
	articles, annotations, err := s.loader(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexArticles(articles); err != nil {
		s.logger.Warn("reindex articles", "error", err)
	}
	if err := s.meili.IndexAnnotations(annotations); err != nil {
		s.logger.Warn("reindex annotations", "error", err)
	}
	s.logger.Info("search reindexed", "articles", len(articles), "annotations", len(annotations))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
