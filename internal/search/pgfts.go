package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PgFTS implements Searcher over PostgreSQL as a fallback when Meilisearch
// is not configured or unhealthy. Matching is case-insensitive substring.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over articles and annotations.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{"%" + escapeLike(strings.TrimSpace(q.Text)) + "%"}
	argN := 2
	next := func(v any) string {
		args = append(args, v)
		s := "$" + strconv.Itoa(argN)
		argN++
		return s
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultArticle {
		where := "(a.title ILIKE $1 OR a.author ILIKE $1 OR a.text ILIKE $1)"
		if q.FilterSource != "" {
			where += " AND a.source = " + next(q.FilterSource)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'article'::text AS type, a.id::text AS id, COALESCE(a.title, '') AS title,
				left(COALESCE(a.text, ''), 240) AS snippet,
				a.id::text AS article_id, a.source, ''::text AS category,
				a.published_date AS sort_key
			FROM articles a
			WHERE %s`, where))
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		where := "(an.highlighted_text ILIKE $1 OR an.subcategory ILIKE $1)"
		if q.FilterSource != "" {
			where += " AND a.source = " + next(q.FilterSource)
		}
		if q.FilterCategory != "" {
			where += " AND an.category = " + next(q.FilterCategory)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, an.id::text AS id, an.subcategory AS title,
				an.highlighted_text AS snippet,
				an.article_id::text AS article_id, a.source, an.category,
				an.timestamp AS sort_key
			FROM annotations an
			JOIN articles a ON a.id = an.article_id
			WHERE %s`, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, article_id, source, category
		FROM (%s) sub
		ORDER BY sort_key DESC NULLS LAST, id DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ArticleID, &r.Source, &r.Category); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ArticleRecord, []AnnotationRecord, error) {
	articleRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, COALESCE(title, ''), source, author, link, COALESCE(text, ''), language,
			COALESCE(EXTRACT(EPOCH FROM published_date)::bigint, 0)
		FROM articles
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load articles: %w", err)
	}
	defer articleRows.Close()

	articles := make([]ArticleRecord, 0)
	for articleRows.Next() {
		var a ArticleRecord
		if err := articleRows.Scan(&a.ID, &a.Title, &a.Source, &a.Author, &a.Link, &a.Text, &a.Language, &a.PublishedDate); err != nil {
			return nil, nil, fmt.Errorf("scan article: %w", err)
		}
		a.Text = TruncateText(a.Text)
		articles = append(articles, a)
	}
	if err := articleRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate articles: %w", err)
	}

	annRows, err := p.db.QueryContext(ctx, `
		SELECT an.id::text, an.article_id::text, a.source, an.highlighted_text,
			an.category, an.subcategory, an.username
		FROM annotations an
		JOIN articles a ON a.id = an.article_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annRows.Next() {
		var a AnnotationRecord
		if err := annRows.Scan(&a.ID, &a.ArticleID, &a.Source, &a.HighlightedText, &a.Category, &a.Subcategory, &a.Username); err != nil {
			return nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return articles, annotations, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
