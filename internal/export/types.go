// Package export renders the annotations of an article as a CSV sheet or
// a highlighted PDF report.
package export

import (
	"errors"
	"fmt"
	"strings"
)

type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ParseFormat accepts "csv" and "pdf" in any case.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Request contains parameters for an export operation.
type Request struct {
	ArticleID       int64
	Format          Format
	IncludeComments bool
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates no Chrome binary is available.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
