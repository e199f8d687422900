package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotOwner  = errors.New("caller does not own resource")
	ErrDuplicate = errors.New("duplicate record")
)

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Article struct {
	ID            int64
	Source        string
	Link          string
	Author        string
	Title         string
	Topic         string
	Abstract      string
	HTML          string
	Text          string
	PublishedDate *time.Time
	ModifiedDate  *time.Time
	Membership    string
	Language      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ArticleFilter struct {
	Query  string
	Source string
	Limit  int
	Offset int
}

type Annotation struct {
	ID              int64
	ArticleID       int64
	UserID          int64
	Username        string
	HighlightedText string
	StartPosition   int
	EndPosition     int
	Category        string
	Subcategory     string
	Metadata        map[string]any
	Timestamp       time.Time
}

// AnnotationPatch carries the only fields an update may change.
type AnnotationPatch struct {
	Category    *string
	Subcategory *string
}

func (p AnnotationPatch) Empty() bool {
	return p.Category == nil && p.Subcategory == nil
}

// PatchFunc derives the patch from the row as it stands under the update's
// row lock. An error aborts the update and is returned unchanged.
type PatchFunc func(current Annotation) (AnnotationPatch, error)

// SetFields is a PatchFunc that ignores the current row.
func SetFields(patch AnnotationPatch) PatchFunc {
	return func(Annotation) (AnnotationPatch, error) { return patch, nil }
}

type Comment struct {
	ID           int64
	AnnotationID int64
	UserID       int64
	Username     string
	CommentText  string
	Timestamp    time.Time
}
