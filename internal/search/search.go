package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultArticle    ResultType = "article"
	ResultAnnotation ResultType = "annotation"
)

// ParseResultType accepts "", "article" and "annotation".
func ParseResultType(s string) (ResultType, bool) {
	switch ResultType(s) {
	case "", ResultArticle, ResultAnnotation:
		return ResultType(s), true
	}
	return "", false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ArticleID string     `json:"article_id"`
	Source    string     `json:"source,omitempty"`
	Category  string     `json:"category,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterSource   string
	FilterCategory string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexArticle(a ArticleRecord) error
	IndexAnnotation(a AnnotationRecord) error
	DeleteAnnotation(id string) error
}

// ArticleRecord is the data we index for an article. Text is truncated to
// keep index payloads small.
type ArticleRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Source        string `json:"source"`
	Author        string `json:"author"`
	Link          string `json:"link"`
	Text          string `json:"text"`
	Language      string `json:"language"`
	PublishedDate int64  `json:"publishedDate"`
}

// AnnotationRecord is the data we index for an annotation.
type AnnotationRecord struct {
	ID              string `json:"id"`
	ArticleID       string `json:"articleId"`
	Source          string `json:"source"`
	HighlightedText string `json:"highlightedText"`
	Category        string `json:"category"`
	Subcategory     string `json:"subcategory"`
	Username        string `json:"username"`
}

const maxIndexedText = 8000

// TruncateText cuts s to the indexed text budget on a rune boundary.
func TruncateText(s string) string {
	if len(s) <= maxIndexedText {
		return s
	}
	r := []rune(s)
	if len(r) <= maxIndexedText {
		return s
	}
	return string(r[:maxIndexedText])
}
