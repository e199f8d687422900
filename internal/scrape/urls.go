package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/K-Schubert/mediawatch/internal/store"
)

// URLList scrapes an explicit list of article URLs with generic
// readability extraction. It backs ad-hoc ingestion from the command line.
type URLList struct {
	source  string
	links   []string
	fetcher *fetcher
}

var _ Source = (*URLList)(nil)

// NewURLList builds a source named name. Articles are tagged with the
// link's host when name is empty.
func NewURLList(name string, links []string, userAgent string, client *http.Client) *URLList {
	return &URLList{source: name, links: links, fetcher: newFetcher(client, userAgent)}
}

func (s *URLList) Name() string {
	if s.source == "" {
		return "urls"
	}
	return s.source
}

func (s *URLList) ScrapeIndex(context.Context) ([]Listing, error) {
	out := make([]Listing, 0, len(s.links))
	for _, link := range s.links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		out = append(out, Listing{Link: link})
	}
	return out, nil
}

func (s *URLList) ScrapeDetail(ctx context.Context, l Listing) (Page, error) {
	u, err := url.Parse(l.Link)
	if err != nil || u.Host == "" {
		return Page{}, fmt.Errorf("invalid url %q", l.Link)
	}
	raw, err := s.fetcher.get(ctx, l.Link)
	if err != nil {
		return Page{}, err
	}
	fetchedAt := time.Now().UTC()
	ex, err := s.fetcher.extract(raw, l.Link)
	if err != nil {
		return Page{}, fmt.Errorf("extract %s: %w", l.Link, err)
	}
	if strings.TrimSpace(ex.Text) == "" {
		return Page{}, fmt.Errorf("extract %s: empty article text", l.Link)
	}
	source := s.source
	if source == "" {
		source = strings.TrimPrefix(u.Hostname(), "www.")
	}
	return Page{
		Article: store.Article{
			Source:        source,
			Link:          l.Link,
			Author:        ex.Byline,
			Title:         ex.Title,
			Abstract:      ex.Excerpt,
			HTML:          ex.HTML,
			Text:          ex.Text,
			PublishedDate: ex.Published,
			Language:      firstNonEmpty(ex.Language, "fr"),
		},
		RawHTML:   raw,
		FetchedAt: fetchedAt,
	}, nil
}
