package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const annotationColumns = `id, article_id, user_id, username, highlighted_text, start_position, end_position,
	category, subcategory, article_metadata, timestamp`

func scanAnnotation(row interface{ Scan(...any) error }) (Annotation, error) {
	var (
		item     Annotation
		metadata []byte
	)
	err := row.Scan(
		&item.ID,
		&item.ArticleID,
		&item.UserID,
		&item.Username,
		&item.HighlightedText,
		&item.StartPosition,
		&item.EndPosition,
		&item.Category,
		&item.Subcategory,
		&metadata,
		&item.Timestamp,
	)
	if err != nil {
		return Annotation{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return Annotation{}, fmt.Errorf("decode article_metadata: %w", err)
		}
	}
	return item, nil
}

func collectAnnotations(rows *sql.Rows) ([]Annotation, error) {
	defer rows.Close()
	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// InsertAnnotation stores a new annotation. The id and timestamp are
// assigned by the database.
func (s *PostgresStore) InsertAnnotation(ctx context.Context, item Annotation) (Annotation, error) {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return Annotation{}, fmt.Errorf("encode article_metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO annotations (article_id, user_id, username, highlighted_text, start_position, end_position, category, subcategory, article_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, timestamp
	`,
		item.ArticleID,
		item.UserID,
		item.Username,
		item.HighlightedText,
		item.StartPosition,
		item.EndPosition,
		item.Category,
		item.Subcategory,
		metadata,
	).Scan(&item.ID, &item.Timestamp)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return Annotation{}, ErrNotFound
		}
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID int64) (Annotation, error) {
	item, err := scanAnnotation(s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id = $1`, annotationID))
	if err != nil {
		return Annotation{}, notFound(err)
	}
	return item, nil
}

// lockOwnedAnnotation takes a row lock so that a concurrent update or
// delete of the same id waits and then observes the committed state.
func lockOwnedAnnotation(ctx context.Context, tx *sql.Tx, annotationID, userID int64) (Annotation, error) {
	item, err := scanAnnotation(tx.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id = $1 FOR UPDATE`, annotationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Annotation{}, ErrNotFound
		}
		return Annotation{}, fmt.Errorf("lock annotation: %w", err)
	}
	if item.UserID != userID {
		return Annotation{}, ErrNotOwner
	}
	return item, nil
}

// UpdateAnnotation changes classification fields and bumps the timestamp.
// prepare runs after the row lock is taken, so it sees the last committed
// classification; only the fields it returns are written. Span, text,
// article and owner are never touched.
func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID, userID int64, prepare PatchFunc) (Annotation, error) {
	var updated Annotation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockOwnedAnnotation(ctx, tx, annotationID, userID)
		if err != nil {
			return err
		}
		patch, err := prepare(current)
		if err != nil {
			return err
		}
		if patch.Empty() {
			updated = current
			return nil
		}
		set := map[string]any{"timestamp": sq.Expr("NOW()")}
		if patch.Category != nil {
			set["category"] = *patch.Category
		}
		if patch.Subcategory != nil {
			set["subcategory"] = *patch.Subcategory
		}
		query, args, err := psql.Update("annotations").
			SetMap(set).
			Where(sq.Eq{"id": annotationID}).
			Suffix("RETURNING " + annotationColumns).
			ToSql()
		if err != nil {
			return fmt.Errorf("build annotation update: %w", err)
		}
		updated, err = scanAnnotation(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("update annotation: %w", err)
		}
		return nil
	})
	if err != nil {
		return Annotation{}, err
	}
	return updated, nil
}

// DeleteAnnotation removes an owned annotation; comments go with it through
// the foreign key cascade.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID, userID int64) (Annotation, error) {
	var deleted Annotation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := lockOwnedAnnotation(ctx, tx, annotationID, userID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id = $1`, annotationID); err != nil {
			return fmt.Errorf("delete annotation: %w", err)
		}
		deleted = item
		return nil
	})
	if err != nil {
		return Annotation{}, err
	}
	return deleted, nil
}

// DeleteAnnotationsForArticle removes every annotation userID owns on the
// article. ErrNotFound means there were none.
func (s *PostgresStore) DeleteAnnotationsForArticle(ctx context.Context, articleID, userID int64) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM annotations
		WHERE article_id = $1 AND user_id = $2
		RETURNING `+annotationColumns, articleID, userID)
	if err != nil {
		return nil, fmt.Errorf("delete article annotations: %w", err)
	}
	items, err := collectAnnotations(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	sortChronological(items)
	return items, nil
}

func (s *PostgresStore) ListAnnotationsByArticle(ctx context.Context, articleID int64) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE article_id = $1
		ORDER BY timestamp ASC, id ASC
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list article annotations: %w", err)
	}
	return collectAnnotations(rows)
}

func (s *PostgresStore) ListAnnotationsByUsername(ctx context.Context, username string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE username = $1
		ORDER BY timestamp ASC, id ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("list user annotations: %w", err)
	}
	return collectAnnotations(rows)
}
