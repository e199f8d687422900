package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var articleColumns = []string{
	"id", "source", "link", "author", "title", "topic", "abstract", "html", "text",
	"published_date", "modified_date", "membership", "language", "created_at", "updated_at",
}

func scanArticle(row interface{ Scan(...any) error }) (Article, error) {
	var (
		item                                             Article
		title, topic, abstract, html, text, membership sql.NullString
	)
	err := row.Scan(
		&item.ID,
		&item.Source,
		&item.Link,
		&item.Author,
		&title,
		&topic,
		&abstract,
		&html,
		&text,
		&item.PublishedDate,
		&item.ModifiedDate,
		&membership,
		&item.Language,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Article{}, err
	}
	item.Title = title.String
	item.Topic = topic.String
	item.Abstract = abstract.String
	item.HTML = html.String
	item.Text = text.String
	item.Membership = membership.String
	return item, nil
}

// UpsertArticle inserts an article or replaces the row that has the same
// link. The boolean reports whether a new row was created.
func (s *PostgresStore) UpsertArticle(ctx context.Context, item Article) (Article, bool, error) {
	if item.Language == "" {
		item.Language = "fr"
	}
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO articles (source, link, author, title, topic, abstract, html, text, published_date, modified_date, membership, language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (link) DO UPDATE SET
			source = EXCLUDED.source,
			author = EXCLUDED.author,
			title = EXCLUDED.title,
			topic = EXCLUDED.topic,
			abstract = EXCLUDED.abstract,
			html = EXCLUDED.html,
			text = EXCLUDED.text,
			published_date = EXCLUDED.published_date,
			modified_date = EXCLUDED.modified_date,
			membership = EXCLUDED.membership,
			language = EXCLUDED.language,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0)
	`,
		item.Source,
		item.Link,
		item.Author,
		nullString(item.Title),
		nullString(item.Topic),
		nullString(item.Abstract),
		nullString(item.HTML),
		nullString(item.Text),
		item.PublishedDate,
		item.ModifiedDate,
		nullString(item.Membership),
		item.Language,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt, &inserted)
	if err != nil {
		return Article{}, false, fmt.Errorf("upsert article: %w", err)
	}
	return item, inserted, nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, articleID int64) (Article, error) {
	query, args, err := psql.Select(articleColumns...).From("articles").Where(sq.Eq{"id": articleID}).ToSql()
	if err != nil {
		return Article{}, fmt.Errorf("build article query: %w", err)
	}
	item, err := scanArticle(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return Article{}, notFound(err)
	}
	return item, nil
}

// ListArticles returns the newest articles, optionally filtered by a
// case-insensitive substring match over source, link, author, title and text.
func (s *PostgresStore) ListArticles(ctx context.Context, filter ArticleFilter) ([]Article, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	builder := psql.Select(articleColumns...).From("articles")
	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := "%" + escapeLike(q) + "%"
		builder = builder.Where(sq.Or{
			sq.ILike{"source": pattern},
			sq.ILike{"link": pattern},
			sq.ILike{"author": pattern},
			sq.ILike{"title": pattern},
			sq.ILike{"text": pattern},
		})
	}
	if source := strings.TrimSpace(filter.Source); source != "" {
		builder = builder.Where(sq.Eq{"source": source})
	}
	builder = builder.
		OrderBy("published_date DESC NULLS LAST", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0)))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build articles query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		item, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
