package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/K-Schubert/mediawatch/internal/extractor"
	"github.com/K-Schubert/mediawatch/internal/revisions"
	"github.com/K-Schubert/mediawatch/internal/search"
	"github.com/K-Schubert/mediawatch/internal/span"
	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/K-Schubert/mediawatch/internal/taxonomy"
	"golang.org/x/sync/errgroup"
)

type CreateAnnotationInput struct {
	ArticleID       int64
	HighlightedText string
	StartPosition   *int
	EndPosition     *int
	Category        string
	Subcategory     string
	Metadata        map[string]any
}

// Candidate is an annotation proposal whose offsets are not yet known.
type Candidate struct {
	Category        string `json:"category"`
	Subcategory     string `json:"subcategory"`
	HighlightedText string `json:"highlighted_text"`
	StartPosition   *int   `json:"start_position"`
	EndPosition     *int   `json:"end_position"`
}

type UpdateAnnotationInput struct {
	Category    *string
	Subcategory *string
}

type AnalyzeInput struct {
	ArticleID          int64
	RequireAnnotations bool
}

// BatchItem is the outcome for one candidate, at the candidate's index.
type BatchItem struct {
	Index      int            `json:"index"`
	Status     string         `json:"status"`
	Annotation map[string]any `json:"annotation,omitempty"`
	Error      *ItemError     `json:"error,omitempty"`
}

type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

const (
	itemCreated = "created"
	itemError   = "error"
)

func (s *Service) CreateAnnotation(ctx context.Context, session Session, input CreateAnnotationInput) (map[string]any, error) {
	category, sub, err := s.classify(input.Category, input.Subcategory)
	if err != nil {
		return nil, err
	}
	article, err := s.store.GetArticle(ctx, input.ArticleID)
	if err != nil {
		return nil, err
	}
	located, text, err := locate(article.Text, input.HighlightedText, input.StartPosition, input.EndPosition, false)
	if err != nil {
		return nil, err
	}

	created, err := s.store.InsertAnnotation(ctx, store.Annotation{
		ArticleID:       article.ID,
		UserID:          session.UserID,
		Username:        session.UserName,
		HighlightedText: text,
		StartPosition:   located.Start,
		EndPosition:     located.End,
		Category:        string(category),
		Subcategory:     sub.Label,
		Metadata:        input.Metadata,
	})
	if err != nil {
		return nil, err
	}
	s.indexAnnotation(created, article.Source)
	return annotationPayload(created, nil), nil
}

// CreateFromBatch stores every candidate that can be reconciled with the
// article text. A failing candidate is reported at its index and does not
// affect the others.
func (s *Service) CreateFromBatch(ctx context.Context, session Session, articleID int64, candidates []Candidate) (map[string]any, error) {
	if len(candidates) == 0 {
		return nil, validationError("candidates must not be empty", nil)
	}
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	results, err := s.createFromCandidates(ctx, session, article, candidates, nil, false)
	if err != nil {
		return nil, err
	}
	return batchPayload(article.ID, results), nil
}

type locatedCandidate struct {
	category taxonomy.Category
	sub      taxonomy.Subcategory
	span     span.Span
	text     string
	err      error
}

// createFromCandidates locates all candidates concurrently and then
// persists them one transaction each, in input order, so timestamps follow
// the order of the batch.
func (s *Service) createFromCandidates(ctx context.Context, session Session, article store.Article, candidates []Candidate, metadata map[string]any, normalized bool) ([]BatchItem, error) {
	located := make([]locatedCandidate, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, candidate := range candidates {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			item := &located[i]
			item.category, item.sub, item.err = s.classify(candidate.Category, candidate.Subcategory)
			if item.err != nil {
				return nil
			}
			item.span, item.text, item.err = locate(article.Text, candidate.HighlightedText, candidate.StartPosition, candidate.EndPosition, normalized)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	results := make([]BatchItem, len(candidates))
	for i, item := range located {
		results[i] = BatchItem{Index: i}
		if item.err != nil {
			results[i].fail(item.err)
			continue
		}
		created, err := s.store.InsertAnnotation(ctx, store.Annotation{
			ArticleID:       article.ID,
			UserID:          session.UserID,
			Username:        session.UserName,
			HighlightedText: item.text,
			StartPosition:   item.span.Start,
			EndPosition:     item.span.End,
			Category:        string(item.category),
			Subcategory:     item.sub.Label,
			Metadata:        metadata,
		})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("batch annotation insert failed", "article_id", article.ID, "index", i, "error", err)
			}
			results[i].fail(err)
			continue
		}
		s.indexAnnotation(created, article.Source)
		results[i].Status = itemCreated
		results[i].Annotation = annotationPayload(created, nil)
	}
	return results, nil
}

func (b *BatchItem) fail(err error) {
	_, code, message, details := mapError(err)
	b.Status = itemError
	b.Error = &ItemError{Code: code, Message: message, Details: details}
}

func batchPayload(articleID int64, results []BatchItem) map[string]any {
	created := 0
	for _, item := range results {
		if item.Status == itemCreated {
			created++
		}
	}
	return map[string]any{
		"article_id": articleID,
		"created":    created,
		"failed":     len(results) - created,
		"results":    results,
	}
}

// locate resolves a claimed substring to offsets and returns the exact
// article slice, which is what gets persisted.
func locate(text, claimed string, start, end *int, normalized bool) (span.Span, string, error) {
	opts := []span.Option{span.WithHint(start, end), span.WithPolicy(span.FirstOccurrence)}
	if normalized {
		opts = append(opts, span.Normalized())
	}
	located, err := span.Locate(text, claimed, opts...)
	if err != nil {
		return span.Span{}, "", err
	}
	slice, ok := span.Slice(text, located)
	if !ok {
		return span.Span{}, "", fmt.Errorf("locate: span %d..%d outside article", located.Start, located.End)
	}
	return located, slice, nil
}

func (s *Service) classify(category, subcategory string) (taxonomy.Category, taxonomy.Subcategory, error) {
	code, err := taxonomy.ParseCategory(category)
	if err != nil {
		return "", taxonomy.Subcategory{}, validationError("Unknown category", map[string]any{
			"field": "category",
			"value": category,
		})
	}
	sub, err := s.taxonomy.Resolve(code, subcategory)
	if err != nil {
		return "", taxonomy.Subcategory{}, validationError("Unknown subcategory for category "+string(code), map[string]any{
			"field": "subcategory",
			"value": subcategory,
		})
	}
	return code, sub, nil
}

// UpdateAnnotation changes the classification of an annotation the caller
// owns. Offsets and text never change. The request is merged with the row
// under its lock, and only the fields the caller supplied are written.
func (s *Service) UpdateAnnotation(ctx context.Context, session Session, annotationID int64, input UpdateAnnotationInput) (map[string]any, error) {
	if input.Category == nil && input.Subcategory == nil {
		return nil, validationError("category or subcategory is required", nil)
	}
	updated, err := s.store.UpdateAnnotation(ctx, annotationID, session.UserID, func(current store.Annotation) (store.AnnotationPatch, error) {
		category := current.Category
		if input.Category != nil {
			category = *input.Category
		}
		subcategory := current.Subcategory
		if input.Subcategory != nil {
			subcategory = *input.Subcategory
		}
		code, sub, err := s.classify(category, subcategory)
		if err != nil {
			return store.AnnotationPatch{}, err
		}

		var patch store.AnnotationPatch
		if input.Category != nil {
			value := string(code)
			patch.Category = &value
		}
		if input.Subcategory != nil {
			patch.Subcategory = &sub.Label
		}
		return patch, nil
	})
	if err != nil {
		return nil, err
	}
	source := ""
	if article, err := s.store.GetArticle(ctx, updated.ArticleID); err == nil {
		source = article.Source
	}
	s.indexAnnotation(updated, source)
	return annotationPayload(updated, nil), nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, session Session, annotationID int64) (map[string]any, error) {
	deleted, err := s.store.DeleteAnnotation(ctx, annotationID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.unindexAnnotation(deleted.ID)
	return annotationPayload(deleted, nil), nil
}

// DeleteAllForArticle removes the caller's own annotations on an article.
func (s *Service) DeleteAllForArticle(ctx context.Context, session Session, articleID int64) (map[string]any, error) {
	deleted, err := s.store.DeleteAnnotationsForArticle(ctx, articleID, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(deleted))
	for _, item := range deleted {
		s.unindexAnnotation(item.ID)
		items = append(items, annotationPayload(item, nil))
	}
	return map[string]any{
		"article_id": articleID,
		"deleted":    len(items),
		"items":      items,
	}, nil
}

func (s *Service) ListByArticle(ctx context.Context, articleID int64) ([]map[string]any, error) {
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}
	annotations, err := s.store.ListAnnotationsByArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return s.withComments(ctx, annotations)
}

func (s *Service) ListByUser(ctx context.Context, username string) ([]map[string]any, error) {
	if blank(username) {
		return nil, validationError("username is required", nil)
	}
	annotations, err := s.store.ListAnnotationsByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	return s.withComments(ctx, annotations)
}

func (s *Service) withComments(ctx context.Context, annotations []store.Annotation) ([]map[string]any, error) {
	ids := make([]int64, 0, len(annotations))
	for _, item := range annotations {
		ids = append(ids, item.ID)
	}
	comments, err := s.store.ListComments(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(annotations))
	for _, item := range annotations {
		thread := comments[item.ID]
		if thread == nil {
			thread = []store.Comment{}
		}
		items = append(items, annotationPayload(item, thread))
	}
	return items, nil
}

// Comments

func (s *Service) AddComment(ctx context.Context, session Session, annotationID int64, text string) (map[string]any, error) {
	if blank(text) {
		return nil, validationError("comment_text is required", nil)
	}
	created, err := s.store.InsertComment(ctx, store.Comment{
		AnnotationID: annotationID,
		UserID:       session.UserID,
		Username:     session.UserName,
		CommentText:  strings.TrimSpace(text),
	})
	if err != nil {
		return nil, err
	}
	return commentPayload(created), nil
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID int64) (map[string]any, error) {
	deleted, err := s.store.DeleteComment(ctx, commentID, session.UserID)
	if err != nil {
		return nil, err
	}
	return commentPayload(deleted), nil
}

func (s *Service) ListComments(ctx context.Context, annotationID int64) ([]map[string]any, error) {
	if _, err := s.store.GetAnnotation(ctx, annotationID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, []int64{annotationID})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments[annotationID]))
	for _, comment := range comments[annotationID] {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

// Analyze asks the extractor for candidates and stores them as the caller's
// annotations. An extractor failure or timeout yields zero candidates unless
// the caller requires annotations.
func (s *Service) Analyze(ctx context.Context, session Session, input AnalyzeInput) (map[string]any, error) {
	article, err := s.store.GetArticle(ctx, input.ArticleID)
	if err != nil {
		return nil, err
	}
	if blank(article.Text) {
		return nil, validationError("Article has no text to analyze", nil)
	}

	candidates, extractErr := s.extract(ctx, article)
	if extractErr != nil {
		s.logger.Warn("tactic extractor failed", "article_id", article.ID, "model", s.extractor.Model(), "error", extractErr)
	}
	if input.RequireAnnotations && len(candidates) == 0 {
		message := "Tactic extractor returned no candidates"
		if extractErr != nil {
			message = "Tactic extractor unavailable"
		}
		return nil, domainError(http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR", message, nil)
	}

	metadata := map[string]any{
		"source":         "analyzer",
		"model":          s.extractor.Model(),
		"article_source": article.Source,
		"title":          article.Title,
	}
	if hash := s.textRevision(article.ID); hash != "" {
		metadata["text_revision"] = hash
	}

	results := []BatchItem{}
	if len(candidates) > 0 {
		results, err = s.createFromCandidates(ctx, session, article, candidates, metadata, true)
		if err != nil {
			return nil, err
		}
	}
	payload := batchPayload(article.ID, results)
	payload["model"] = s.extractor.Model()
	payload["candidates"] = len(candidates)
	if extractErr != nil {
		payload["warning"] = "extractor unavailable, no candidates produced"
	}
	return payload, nil
}

func (s *Service) extract(ctx context.Context, article store.Article) ([]Candidate, error) {
	if s.cfg.ExtractorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExtractorTimeout)
		defer cancel()
	}
	proposed, err := s.extractor.Extract(ctx, article.Text)
	if err != nil {
		return nil, err
	}
	return fromExtractor(proposed), nil
}

func fromExtractor(proposed []extractor.Candidate) []Candidate {
	out := make([]Candidate, 0, len(proposed))
	for _, c := range proposed {
		out = append(out, Candidate{
			Category:        c.Category,
			Subcategory:     c.Subcategory,
			HighlightedText: c.HighlightedText,
			StartPosition:   c.Start,
			EndPosition:     c.End,
		})
	}
	return out
}

func (s *Service) textRevision(articleID int64) string {
	if s.revisions == nil {
		return ""
	}
	_, rev, err := s.revisions.Head(articleID)
	if err != nil {
		if !errors.Is(err, revisions.ErrNoHistory) {
			s.logger.Warn("read article revision", "article_id", articleID, "error", err)
		}
		return ""
	}
	return rev.Hash
}

// Search index hooks. They never fail the caller.

func (s *Service) indexAnnotation(item store.Annotation, source string) {
	if s.search == nil {
		return
	}
	s.search.IndexAnnotation(search.AnnotationRecord{
		ID:              strconv.FormatInt(item.ID, 10),
		ArticleID:       strconv.FormatInt(item.ArticleID, 10),
		Source:          source,
		HighlightedText: item.HighlightedText,
		Category:        item.Category,
		Subcategory:     item.Subcategory,
		Username:        item.Username,
	})
}

func (s *Service) unindexAnnotation(id int64) {
	if s.search == nil {
		return
	}
	s.search.DeleteAnnotation(strconv.FormatInt(id, 10))
}

func annotationPayload(item store.Annotation, comments []store.Comment) map[string]any {
	payload := map[string]any{
		"id":               item.ID,
		"article_id":       item.ArticleID,
		"user_id":          item.UserID,
		"username":         item.Username,
		"highlighted_text": item.HighlightedText,
		"start_position":   item.StartPosition,
		"end_position":     item.EndPosition,
		"category":         item.Category,
		"subcategory":      item.Subcategory,
		"article_metadata": item.Metadata,
		"timestamp":        item.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if comments != nil {
		items := make([]map[string]any, 0, len(comments))
		for _, comment := range comments {
			items = append(items, commentPayload(comment))
		}
		payload["comments"] = items
	}
	return payload
}

func commentPayload(item store.Comment) map[string]any {
	return map[string]any{
		"id":            item.ID,
		"annotation_id": item.AnnotationID,
		"user_id":       item.UserID,
		"username":      item.Username,
		"comment_text":  item.CommentText,
		"timestamp":     item.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
