package export

import (
	"bytes"
	"embed"
	"html/template"
	"sort"
	"strconv"
	"strings"

	"github.com/K-Schubert/mediawatch/internal/store"
)

//go:embed templates/report.html
var templateFS embed.FS

var reportTemplate = template.Must(template.ParseFS(templateFS, "templates/report.html"))

// ReportData holds data for report rendering.
type ReportData struct {
	Title           string
	Source          string
	Author          string
	Published       string
	Language        string
	Segments        []Segment
	Annotations     []ReportAnnotation
	TaxonomyVersion string
	GeneratedAt     string
}

// Segment is a run of article text covered by the same set of annotations.
type Segment struct {
	Text     string
	Refs     string // comma separated annotation numbers, empty when unannotated
	Category string // category of the first covering annotation
	Title    string
}

type ReportAnnotation struct {
	Ref             int
	CategoryName    string
	Subcategory     string
	HighlightedText string
	Username        string
	Timestamp       string
	Comments        []store.Comment
}

// Segments splits text at every annotation boundary. Offsets are code
// points; annotations outside the text are ignored. refs maps annotation
// IDs to their display numbers.
func Segments(text string, annotations []store.Annotation, refs map[int64]int) []Segment {
	runes := []rune(text)
	n := len(runes)

	cuts := map[int]struct{}{0: {}, n: {}}
	valid := make([]store.Annotation, 0, len(annotations))
	for _, a := range annotations {
		if a.StartPosition < 0 || a.EndPosition > n || a.StartPosition >= a.EndPosition {
			continue
		}
		valid = append(valid, a)
		cuts[a.StartPosition] = struct{}{}
		cuts[a.EndPosition] = struct{}{}
	}
	points := make([]int, 0, len(cuts))
	for p := range cuts {
		points = append(points, p)
	}
	sort.Ints(points)

	out := make([]Segment, 0, len(points))
	for i := 0; i+1 < len(points); i++ {
		from, to := points[i], points[i+1]
		seg := Segment{Text: string(runes[from:to])}
		var nums, labels []string
		for _, a := range valid {
			if a.StartPosition <= from && to <= a.EndPosition {
				if seg.Category == "" {
					seg.Category = a.Category
				}
				nums = append(nums, strconv.Itoa(refs[a.ID]))
				labels = append(labels, a.Category+": "+a.Subcategory)
			}
		}
		seg.Refs = strings.Join(nums, ",")
		seg.Title = strings.Join(labels, "; ")
		out = append(out, seg)
	}
	return out
}

// RenderReportHTML renders the report template with provided data.
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
