package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/temoto/robotstxt"
)

const maxPageBytes = 8 << 20

// fetcher downloads pages politely: robots.txt groups are cached per host.
type fetcher struct {
	client    *http.Client
	userAgent string
	policy    *bluemonday.Policy

	mu     sync.Mutex
	robots map[string]*robotstxt.Group
}

func newFetcher(client *http.Client, userAgent string) *fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &fetcher{
		client:    client,
		userAgent: userAgent,
		policy:    bluemonday.UGCPolicy(),
		robots:    make(map[string]*robotstxt.Group),
	}
}

// allowed reports whether robots.txt permits link. A robots.txt that
// cannot be fetched allows everything.
func (f *fetcher) allowed(ctx context.Context, link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Scheme + "://" + u.Host

	f.mu.Lock()
	group, cached := f.robots[host]
	f.mu.Unlock()
	if !cached {
		group = f.loadRobots(ctx, host)
		f.mu.Lock()
		f.robots[host] = group
		f.mu.Unlock()
	}
	if group == nil {
		return true
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path)
}

func (f *fetcher) loadRobots(ctx context.Context, host string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data.FindGroup(f.userAgent)
}

func (f *fetcher) get(ctx context.Context, link string) ([]byte, error) {
	if !f.allowed(ctx, link) {
		return nil, fmt.Errorf("%s: %w", link, ErrDisallowed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", link, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", link, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", link, err)
	}
	return body, nil
}

type extracted struct {
	Title     string
	Byline    string
	HTML      string
	Text      string
	Excerpt   string
	Language  string
	Published *time.Time
}

var blankRun = regexp.MustCompile(`[ \t\x{00A0}]+`)

// extract isolates the main content of raw with readability, sanitizes
// its HTML and derives plain text with one paragraph per block.
func (f *fetcher) extract(raw []byte, link string) (extracted, error) {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return extracted{}, fmt.Errorf("parse url: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(raw), parsedURL)
	if err != nil {
		return extracted{}, fmt.Errorf("readability: %w", err)
	}

	clean := f.policy.Sanitize(article.Content)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(clean))
	if err != nil {
		return extracted{}, fmt.Errorf("parse content: %w", err)
	}

	var paragraphs []string
	doc.Find("p, h1, h2, h3, h4, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		text := strings.TrimSpace(blankRun.ReplaceAllString(s.Text(), " "))
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	text := strings.Join(paragraphs, "\n\n")
	if text == "" {
		text = strings.TrimSpace(blankRun.ReplaceAllString(article.TextContent, " "))
	}

	out := extracted{
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		HTML:     clean,
		Text:     text,
		Excerpt:  strings.TrimSpace(article.Excerpt),
	}
	if page, err := goquery.NewDocumentFromReader(bytes.NewReader(raw)); err == nil {
		lang, _ := page.Find("html").First().Attr("lang")
		out.Language = normalizeLanguage(lang)
		out.Published = publishedFromMeta(page)
	}
	return out, nil
}

func publishedFromMeta(doc *goquery.Document) *time.Time {
	for _, sel := range []string{`meta[property="article:published_time"]`, `meta[name="date"]`} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				return &t
			}
		}
	}
	if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
			return &t
		}
	}
	return nil
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) >= 2 {
		return lang[:2]
	}
	return ""
}
