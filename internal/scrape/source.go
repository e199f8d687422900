// Package scrape fetches articles from news sites. Each site is a Source;
// a Pipeline runs sources and hands every page to a Sink.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/K-Schubert/mediawatch/internal/store"
)

// ErrDisallowed is returned for URLs excluded by robots.txt.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Listing is an entry found on a source's index pages.
type Listing struct {
	Link          string
	Title         string
	Abstract      string
	Topic         string
	Author        string
	PublishedDate *time.Time
}

// Page is a fetched and extracted article.
type Page struct {
	Article   store.Article
	RawHTML   []byte
	FetchedAt time.Time
}

// Source is one scrapable site.
type Source interface {
	Name() string
	ScrapeIndex(ctx context.Context) ([]Listing, error)
	ScrapeDetail(ctx context.Context, l Listing) (Page, error)
}

// Registry keeps a mapping from source names to their implementations.
type Registry struct {
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}}
}

// Register adds or replaces a source.
func (r *Registry) Register(s Source) {
	if r.sources == nil {
		r.sources = map[string]Source{}
	}
	r.sources[s.Name()] = s
}

// Resolve returns a source by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Source, error) {
	if s, ok := r.sources[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("source %s is not registered", name)
}

// Names lists registered sources alphabetically.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
