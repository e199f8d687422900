package span

import "unicode"

// folded is a normalized text together with the original index of every
// normalized rune.
type folded struct {
	runes  []rune
	origin []int
}

func fold(text []rune) folded {
	out := folded{
		runes:  make([]rune, 0, len(text)),
		origin: make([]int, 0, len(text)),
	}
	inSpace := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inSpace {
				continue
			}
			inSpace = true
			out.runes = append(out.runes, ' ')
			out.origin = append(out.origin, i)
			continue
		}
		inSpace = false
		out.runes = append(out.runes, foldRune(r))
		out.origin = append(out.origin, i)
	}
	return out
}

func foldRune(r rune) rune {
	switch r {
	case '‘', '’', '‚', '‛', '′', '`':
		return '\''
	case '“', '”', '„', '‟', '″', '«', '»':
		return '"'
	case '‐', '‑', '‒', '–', '—', '−':
		return '-'
	}
	return unicode.ToLower(r)
}

func normalizedOccurrences(text, claim []rune) []Span {
	needle := fold(trimSpace(claim)).runes
	if len(needle) == 0 {
		return nil
	}
	haystack := fold(text)
	var out []Span
	for i := 0; i+len(needle) <= len(haystack.runes); i++ {
		if !equalRunes(haystack.runes[i:i+len(needle)], needle) {
			continue
		}
		last := i + len(needle) - 1
		out = append(out, Span{
			Start: haystack.origin[i],
			End:   haystack.origin[last] + 1,
		})
	}
	return out
}

func trimSpace(r []rune) []rune {
	start, end := 0, len(r)
	for start < end && unicode.IsSpace(r[start]) {
		start++
	}
	for end > start && unicode.IsSpace(r[end-1]) {
		end--
	}
	return r[start:end]
}

func isBlank(value string) bool {
	for _, r := range value {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
