package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
)

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (annotation_id, user_id, username, comment_text)
		VALUES ($1, $2, $3, $4)
		RETURNING id, timestamp
	`, item.AnnotationID, item.UserID, item.Username, item.CommentText).Scan(&item.ID, &item.Timestamp)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return Comment{}, ErrNotFound
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID, userID int64) (Comment, error) {
	var deleted Comment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var item Comment
		err := tx.QueryRowContext(ctx, `
			SELECT id, annotation_id, user_id, username, comment_text, timestamp
			FROM comments WHERE id = $1 FOR UPDATE
		`, commentID).Scan(&item.ID, &item.AnnotationID, &item.UserID, &item.Username, &item.CommentText, &item.Timestamp)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock comment: %w", err)
		}
		if item.UserID != userID {
			return ErrNotOwner
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, commentID); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
		deleted = item
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return deleted, nil
}

// ListComments returns the comments of the given annotations keyed by
// annotation id, oldest first.
func (s *PostgresStore) ListComments(ctx context.Context, annotationIDs []int64) (map[int64][]Comment, error) {
	out := make(map[int64][]Comment, len(annotationIDs))
	if len(annotationIDs) == 0 {
		return out, nil
	}
	query, args, err := psql.
		Select("id", "annotation_id", "user_id", "username", "comment_text", "timestamp").
		From("comments").
		Where(sq.Eq{"annotation_id": annotationIDs}).
		OrderBy("timestamp ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build comments query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.AnnotationID, &item.UserID, &item.Username, &item.CommentText, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out[item.AnnotationID] = append(out[item.AnnotationID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return out, nil
}

// sortChronological orders by timestamp, then id for equal timestamps.
func sortChronological(items []Annotation) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.Before(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
}
