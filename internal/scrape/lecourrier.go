package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly"

	"github.com/K-Schubert/mediawatch/internal/store"
)

const leCourrierBaseURL = "https://lecourrier.ch"

// LeCourrierOptions configures the Le Courrier source. Zero values fall
// back to production defaults.
type LeCourrierOptions struct {
	BaseURL   string
	Topic     string
	UserAgent string
	MaxPages  int
	Delay     time.Duration
	Client    *http.Client
}

// LeCourrier crawls the site's search result pages for a topic.
type LeCourrier struct {
	opts    LeCourrierOptions
	fetcher *fetcher
}

var _ Source = (*LeCourrier)(nil)

func NewLeCourrier(opts LeCourrierOptions) *LeCourrier {
	if opts.BaseURL == "" {
		opts.BaseURL = leCourrierBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.UserAgent == "" {
		opts.UserAgent = "mediawatch-bot/1.0"
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	return &LeCourrier{opts: opts, fetcher: newFetcher(opts.Client, opts.UserAgent)}
}

func (s *LeCourrier) Name() string { return "lecourrier" }

func (s *LeCourrier) indexURL() string {
	return s.opts.BaseURL + "/?s=" + url.QueryEscape(s.opts.Topic)
}

// ScrapeIndex walks the search pages, following the "next" link up to
// MaxPages pages.
func (s *LeCourrier) ScrapeIndex(ctx context.Context) ([]Listing, error) {
	start := s.indexURL()
	if !s.fetcher.allowed(ctx, start) {
		return nil, fmt.Errorf("%s: %w", start, ErrDisallowed)
	}

	c := colly.NewCollector(colly.UserAgent(s.opts.UserAgent))
	c.WithTransport(ctxTransport{ctx: ctx, base: transportOf(s.opts.Client)})
	if s.opts.Delay > 0 {
		if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Delay: s.opts.Delay}); err != nil {
			return nil, fmt.Errorf("configure rate limit: %w", err)
		}
	}

	var (
		mu       sync.Mutex
		listings []Listing
		seen     = map[string]struct{}{}
		pages    int
		firstErr error
	)

	c.OnResponse(func(*colly.Response) {
		mu.Lock()
		pages++
		mu.Unlock()
	})

	c.OnHTML("article.c-Card--search", func(e *colly.HTMLElement) {
		l, ok := parseCard(e)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[l.Link]; dup {
			return
		}
		seen[l.Link] = struct{}{}
		listings = append(listings, l)
	})

	c.OnHTML("a.next.page-numbers", func(e *colly.HTMLElement) {
		mu.Lock()
		done := pages >= s.opts.MaxPages
		mu.Unlock()
		if done || ctx.Err() != nil {
			return
		}
		next := e.Request.AbsoluteURL(e.Attr("href"))
		if next == "" || !s.fetcher.allowed(ctx, next) {
			return
		}
		_ = e.Request.Visit(next)
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = fmt.Errorf("fetch %s: %w", r.Request.URL, err)
		}
	})

	if err := c.Visit(start); err != nil && firstErr == nil {
		firstErr = err
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(listings) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return listings, nil
}

func parseCard(e *colly.HTMLElement) (Listing, bool) {
	href, ok := e.DOM.Find("a[href]").First().Attr("href")
	if !ok {
		return Listing{}, false
	}
	link := e.Request.AbsoluteURL(href)
	if link == "" {
		return Listing{}, false
	}
	title := strings.TrimSpace(e.ChildText(".c-Card-title"))
	if title == "" {
		title = strings.TrimSpace(e.DOM.Find("span").First().Text())
	}
	l := Listing{
		Link:     link,
		Title:    title,
		Abstract: strings.TrimSpace(e.ChildText("div.c-Card-content")),
		Topic:    strings.TrimSpace(e.ChildText("span.c-Card-tag")),
		Author:   strings.TrimSpace(e.ChildText("span.c-Card-author")),
	}
	if t, err := parseFrenchDate(e.ChildText("span.c-Card-date")); err == nil {
		l.PublishedDate = &t
	}
	return l, true
}

func (s *LeCourrier) ScrapeDetail(ctx context.Context, l Listing) (Page, error) {
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

	article := store.Article{
		Source:        s.Name(),
		Link:          l.Link,
		Author:        firstNonEmpty(l.Author, ex.Byline),
		Title:         firstNonEmpty(l.Title, ex.Title),
		Topic:         l.Topic,
		Abstract:      firstNonEmpty(l.Abstract, ex.Excerpt),
		HTML:          ex.HTML,
		Text:          ex.Text,
		PublishedDate: l.PublishedDate,
		Language:      firstNonEmpty(ex.Language, "fr"),
	}
	if article.PublishedDate == nil {
		article.PublishedDate = ex.Published
	}
	return Page{Article: article, RawHTML: raw, FetchedAt: fetchedAt}, nil
}

var frenchMonths = map[string]time.Month{
	"janvier": time.January, "février": time.February, "fevrier": time.February,
	"mars": time.March, "avril": time.April, "mai": time.May, "juin": time.June,
	"juillet": time.July, "août": time.August, "aout": time.August,
	"septembre": time.September, "octobre": time.October,
	"novembre": time.November, "décembre": time.December, "decembre": time.December,
}

// parseFrenchDate parses dates such as "mardi 5 mars 2024" or "5 mars 2024"
// as midnight UTC.
func parseFrenchDate(s string) (time.Time, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) == 4 {
		fields = fields[1:]
	}
	if len(fields) != 3 {
		return time.Time{}, fmt.Errorf("unrecognised date %q", s)
	}
	day, err := strconv.Atoi(strings.TrimSuffix(fields[0], "er"))
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("unrecognised day in %q", s)
	}
	month, ok := frenchMonths[fields[1]]
	if !ok {
		return time.Time{}, fmt.Errorf("unrecognised month in %q", s)
	}
	year, err := strconv.Atoi(fields[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised year in %q", s)
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ctxTransport binds every request colly makes to ctx, since colly has no
// context support of its own.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func transportOf(client *http.Client) http.RoundTripper {
	if client != nil && client.Transport != nil {
		return client.Transport
	}
	return http.DefaultTransport
}
