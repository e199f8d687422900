package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/K-Schubert/mediawatch/internal/taxonomy"
)

// DataStore is the read access the exporter needs.
type DataStore interface {
	GetArticle(ctx context.Context, id int64) (store.Article, error)
	ListAnnotationsByArticle(ctx context.Context, articleID int64) ([]store.Annotation, error)
	ListComments(ctx context.Context, annotationIDs []int64) (map[int64][]store.Comment, error)
}

// Service provides article report exports.
type Service struct {
	store      DataStore
	table      *taxonomy.Table
	chromePath string
	now        func() time.Time
	pdf        func(ctx context.Context, chromePath, html string) ([]byte, error)
}

func NewService(store DataStore, table *taxonomy.Table, chromePath string) *Service {
	if table == nil {
		table = taxonomy.Default()
	}
	return &Service{store: store, table: table, chromePath: chromePath, now: time.Now, pdf: renderPDF}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	article, err := s.store.GetArticle(ctx, req.ArticleID)
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	annotations, err := s.store.ListAnnotationsByArticle(ctx, req.ArticleID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}

	comments := map[int64][]store.Comment{}
	if req.IncludeComments && len(annotations) > 0 {
		ids := make([]int64, len(annotations))
		for i, a := range annotations {
			ids[i] = a.ID
		}
		if comments, err = s.store.ListComments(ctx, ids); err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
	}

	base := fmt.Sprintf("article-%d-%s", article.ID, filenameSlug(article.Title))

	switch req.Format {
	case FormatCSV:
		var buf bytes.Buffer
		if err := WriteCSV(&buf, annotations, comments); err != nil {
			return nil, err
		}
		return &Result{Data: buf.Bytes(), Filename: base + ".csv", MimeType: "text/csv; charset=utf-8"}, nil
	case FormatPDF:
		html, err := RenderReportHTML(s.reportData(article, annotations, comments))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := s.pdf(ctx, s.chromePath, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}
}

func (s *Service) reportData(article store.Article, annotations []store.Annotation, comments map[int64][]store.Comment) ReportData {
	refs := make(map[int64]int, len(annotations))
	rows := make([]ReportAnnotation, 0, len(annotations))
	for i, a := range annotations {
		refs[a.ID] = i + 1
		name := a.Category
		if info, ok := s.table.Category(taxonomy.Category(a.Category)); ok {
			name = info.Name
		}
		rows = append(rows, ReportAnnotation{
			Ref:             i + 1,
			CategoryName:    name,
			Subcategory:     a.Subcategory,
			HighlightedText: a.HighlightedText,
			Username:        a.Username,
			Timestamp:       a.Timestamp.UTC().Format("2006-01-02 15:04"),
			Comments:        comments[a.ID],
		})
	}

	data := ReportData{
		Title:           article.Title,
		Source:          article.Source,
		Author:          article.Author,
		Language:        article.Language,
		Segments:        Segments(article.Text, annotations, refs),
		Annotations:     rows,
		TaxonomyVersion: s.table.Version,
		GeneratedAt:     s.now().UTC().Format("2006-01-02 15:04 MST"),
	}
	if article.PublishedDate != nil {
		data.Published = article.PublishedDate.Format("2006-01-02")
	}
	if data.Language == "" {
		data.Language = "fr"
	}
	return data
}
