package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/K-Schubert/mediawatch/internal/archive"
	"github.com/K-Schubert/mediawatch/internal/export"
	"github.com/K-Schubert/mediawatch/internal/revisions"
	"github.com/K-Schubert/mediawatch/internal/search"
	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/K-Schubert/mediawatch/internal/taxonomy"
)

const maxArticleQueryLen = 50

// IngestArticle upserts an article by link, records a text revision,
// archives the raw page when there is one and pushes the article to the
// search index. Only the upsert can fail the call.
func (s *Service) IngestArticle(ctx context.Context, article store.Article, rawHTML []byte, fetchedAt time.Time, actor string) (store.Article, bool, error) {
	article.Link = strings.TrimSpace(article.Link)
	article.Source = strings.TrimSpace(article.Source)
	if article.Link == "" || article.Source == "" {
		return store.Article{}, false, validationError("source and link are required", nil)
	}
	saved, inserted, err := s.store.UpsertArticle(ctx, article)
	if err != nil {
		return store.Article{}, false, err
	}

	if s.revisions != nil {
		message := "Update article text"
		if inserted {
			message = "Import article"
		}
		rev, changed, err := s.revisions.Record(saved.ID, revisions.Content{
			Title:  saved.Title,
			Source: saved.Source,
			Link:   saved.Link,
			Author: saved.Author,
			Text:   saved.Text,
		}, actor, message)
		if err != nil {
			s.logger.Warn("record article revision", "article_id", saved.ID, "error", err)
		} else if changed {
			s.logger.Debug("article revision recorded", "article_id", saved.ID, "hash", rev.Hash)
		}
	}

	if len(rawHTML) > 0 {
		if fetchedAt.IsZero() {
			fetchedAt = time.Now()
		}
		key, err := s.archive.Put(ctx, archive.Snapshot{
			Link:      saved.Link,
			Source:    saved.Source,
			HTML:      rawHTML,
			FetchedAt: fetchedAt,
		})
		if err != nil {
			s.logger.Warn("archive raw page", "article_id", saved.ID, "error", err)
		} else {
			s.logger.Debug("raw page archived", "article_id", saved.ID, "key", key)
		}
	}

	if s.search != nil {
		record := search.ArticleRecord{
			ID:       strconv.FormatInt(saved.ID, 10),
			Title:    saved.Title,
			Source:   saved.Source,
			Author:   saved.Author,
			Link:     saved.Link,
			Text:     saved.Text,
			Language: saved.Language,
		}
		if saved.PublishedDate != nil {
			record.PublishedDate = saved.PublishedDate.Unix()
		}
		s.search.IndexArticle(record)
	}
	return saved, inserted, nil
}

func (s *Service) UpsertArticle(ctx context.Context, session Session, article store.Article) (map[string]any, bool, error) {
	saved, inserted, err := s.IngestArticle(ctx, article, nil, time.Time{}, session.UserName)
	if err != nil {
		return nil, false, err
	}
	return articlePayload(saved, true), inserted, nil
}

func (s *Service) GetArticle(ctx context.Context, articleID int64) (map[string]any, error) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	payload := articlePayload(article, true)
	if hash := s.textRevision(article.ID); hash != "" {
		payload["text_revision"] = hash
	}
	return payload, nil
}

// ListArticles returns the latest articles, or those matching query when
// one is given.
func (s *Service) ListArticles(ctx context.Context, query, source string, limit, offset int) ([]map[string]any, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) > maxArticleQueryLen {
		return nil, validationError("q must be at most 50 characters", nil)
	}
	articles, err := s.store.ListArticles(ctx, store.ArticleFilter{
		Query:  query,
		Source: source,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(articles))
	for _, article := range articles {
		items = append(items, articlePayload(article, false))
	}
	return items, nil
}

func (s *Service) ArticleRevisions(ctx context.Context, articleID int64, limit int) (map[string]any, error) {
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return map[string]any{"article_id": articleID, "revisions": []revisions.Revision{}}, nil
	}
	history, err := s.revisions.History(articleID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"article_id": articleID, "revisions": history}, nil
}

// ArticleRevision returns the article as of hash and what changed between
// that revision and the current head.
func (s *Service) ArticleRevision(ctx context.Context, articleID int64, hash string) (map[string]any, error) {
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	content, rev, err := s.revisions.Get(articleID, hash)
	if err != nil {
		s.logger.Debug("revision lookup failed", "article_id", articleID, "hash", hash, "error", err)
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", map[string]any{"hash": hash})
	}
	head, _, err := s.revisions.Head(articleID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"article_id": articleID,
		"revision":   rev,
		"title":      content.Title,
		"text":       content.Text,
		"changes":    revisions.Diff(content, head),
	}, nil
}

func (s *Service) Export(ctx context.Context, articleID int64, format string, includeComments bool) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Export format must be csv or pdf", nil)
	}
	result, err := s.exporter.Export(ctx, export.Request{
		ArticleID:       articleID,
		Format:          parsed,
		IncludeComments: includeComments,
	})
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Search(ctx context.Context, text, kind, source, category string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, validationError("q is required", nil)
	}
	resultType, ok := search.ParseResultType(kind)
	if !ok {
		return search.Response{}, validationError("type must be article or annotation", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.search.Search(ctx, search.Query{
		Text:           text,
		FilterType:     resultType,
		FilterSource:   strings.TrimSpace(source),
		FilterCategory: strings.ToUpper(strings.TrimSpace(category)),
		Limit:          limit,
		Offset:         max(offset, 0),
	}), nil
}

// Options

func (s *Service) Categories() []map[string]any {
	items := make([]map[string]any, 0, len(taxonomy.Categories()))
	for _, info := range s.taxonomy.CategoryList() {
		items = append(items, map[string]any{
			"id":    info.Code,
			"label": info.Label,
			"name":  info.Name,
		})
	}
	return items
}

func (s *Service) Subcategories(category string) (map[string]any, error) {
	code, err := taxonomy.ParseCategory(category)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown category", map[string]any{"category": category})
	}
	info, _ := s.taxonomy.Category(code)
	return map[string]any{
		"category": info.Code,
		"label":    info.Label,
		"groups":   info.Groups,
	}, nil
}

func (s *Service) Taxonomy() map[string]any {
	return map[string]any{
		"version":    s.taxonomy.Version,
		"categories": s.taxonomy.CategoryList(),
	}
}

func articlePayload(article store.Article, withText bool) map[string]any {
	payload := map[string]any{
		"id":             article.ID,
		"source":         article.Source,
		"link":           article.Link,
		"author":         article.Author,
		"title":          article.Title,
		"topic":          article.Topic,
		"abstract":       article.Abstract,
		"published_date": article.PublishedDate,
		"modified_date":  article.ModifiedDate,
		"membership":     article.Membership,
		"language":       article.Language,
		"created_at":     article.CreatedAt,
		"updated_at":     article.UpdatedAt,
	}
	if withText {
		payload["text"] = article.Text
	}
	return payload
}
