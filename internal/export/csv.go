package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/K-Schubert/mediawatch/internal/store"
)

var csvHeader = []string{
	"id", "article_id", "username", "category", "subcategory",
	"start_position", "end_position", "highlighted_text", "timestamp", "comments",
}

// WriteCSV writes one row per annotation in the order given.
func WriteCSV(w io.Writer, annotations []store.Annotation, comments map[int64][]store.Comment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, a := range annotations {
		row := []string{
			strconv.FormatInt(a.ID, 10),
			strconv.FormatInt(a.ArticleID, 10),
			a.Username,
			a.Category,
			a.Subcategory,
			strconv.Itoa(a.StartPosition),
			strconv.Itoa(a.EndPosition),
			a.HighlightedText,
			a.Timestamp.UTC().Format(time.RFC3339),
			strconv.Itoa(len(comments[a.ID])),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", a.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
