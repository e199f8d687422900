// Package span reconciles a claimed substring with stable offsets into an
// article's text.
//
// Offsets count Unicode code points, not bytes, and are half-open:
// text[Start:End] is the highlighted substring. Locate never invents an
// offset pair; when the claim cannot be reconciled it returns an error.
package span

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyClaim = errors.New("claimed text is empty")
	ErrNotFound   = errors.New("claimed text not found in article")
	ErrAmbiguous  = errors.New("claimed text occurs more than once in article")
)

// Span is a half-open code point range.
type Span struct {
	Start int `json:"start_position"`
	End   int `json:"end_position"`
}

func (s Span) Len() int { return s.End - s.Start }

// Valid reports whether s is a non-empty range inside a text of n code points.
func (s Span) Valid(n int) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= n
}

// Error describes a claim that could not be reconciled.
type Error struct {
	Claimed     string
	Occurrences int
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Occurrences > 1 {
		return fmt.Sprintf("span %q: %v (%d occurrences)", truncate(e.Claimed, 40), e.Err, e.Occurrences)
	}
	return fmt.Sprintf("span %q: %v", truncate(e.Claimed, 40), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Policy decides what happens when a claim occurs several times and no hint
// points at one of them.
type Policy int

const (
	// FirstOccurrence picks the occurrence with the lowest start offset.
	FirstOccurrence Policy = iota
	// RejectAmbiguous fails with ErrAmbiguous.
	RejectAmbiguous
)

func (p Policy) String() string {
	switch p {
	case RejectAmbiguous:
		return "reject_ambiguous"
	default:
		return "first_occurrence"
	}
}

type options struct {
	hintStart *int
	hintEnd   *int
	policy    Policy
	normalize bool
}

type Option func(*options)

// WithHint supplies caller offsets. Either pointer may be nil.
func WithHint(start, end *int) Option {
	return func(o *options) {
		o.hintStart = start
		o.hintEnd = end
	}
}

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// Normalized enables a second matching pass that ignores case, collapses
// whitespace runs and treats typographic quotes and dashes as their ASCII
// forms. Offsets still point into the original text.
func Normalized() Option {
	return func(o *options) { o.normalize = true }
}

// Locate returns the span of claimed inside text.
//
// A hint whose slice equals claimed is accepted verbatim. Otherwise every
// exact occurrence is collected; with Normalized, a normalized pass runs
// when there is no exact occurrence. Several occurrences are resolved by the
// hint (nearest start wins) or, without a usable hint, by the policy.
func Locate(text, claimed string, opts ...Option) (Span, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if isBlank(claimed) {
		return Span{}, &Error{Claimed: claimed, Err: ErrEmptyClaim}
	}

	runes := []rune(text)
	claim := []rune(claimed)

	if o.hintStart != nil && o.hintEnd != nil {
		hinted := Span{Start: *o.hintStart, End: *o.hintEnd}
		if hinted.Valid(len(runes)) && equalRunes(runes[hinted.Start:hinted.End], claim) {
			return hinted, nil
		}
	}

	matches := occurrences(runes, claim)
	if len(matches) == 0 && o.normalize {
		matches = normalizedOccurrences(runes, claim)
	}

	switch len(matches) {
	case 0:
		return Span{}, &Error{Claimed: claimed, Err: ErrNotFound}
	case 1:
		return matches[0], nil
	}

	if o.hintStart != nil && *o.hintStart >= 0 && *o.hintStart <= len(runes) {
		return nearest(matches, *o.hintStart), nil
	}
	if o.policy == RejectAmbiguous {
		return Span{}, &Error{Claimed: claimed, Occurrences: len(matches), Err: ErrAmbiguous}
	}
	return matches[0], nil
}

// Slice returns text[s.Start:s.End] in code points.
func Slice(text string, s Span) (string, bool) {
	runes := []rune(text)
	if !s.Valid(len(runes)) {
		return "", false
	}
	return string(runes[s.Start:s.End]), true
}

// occurrences lists every exact match, overlapping ones included, in order.
func occurrences(text, claim []rune) []Span {
	var out []Span
	for i := 0; i+len(claim) <= len(text); i++ {
		if equalRunes(text[i:i+len(claim)], claim) {
			out = append(out, Span{Start: i, End: i + len(claim)})
		}
	}
	return out
}

func nearest(matches []Span, hint int) Span {
	best := matches[0]
	bestDist := abs(best.Start - hint)
	for _, m := range matches[1:] {
		if d := abs(m.Start - hint); d < bestDist {
			best, bestDist = m, d
		}
	}
	return best
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
