package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Sink persists a page. inserted reports whether the article is new.
type Sink interface {
	Persist(ctx context.Context, page Page) (inserted bool, err error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, page Page) (bool, error)

func (f SinkFunc) Persist(ctx context.Context, page Page) (bool, error) { return f(ctx, page) }

// Report summarises one source run.
type Report struct {
	Source   string `json:"source"`
	Listed   int    `json:"listed"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Failed   int    `json:"failed"`
}

type Pipeline struct {
	registry *Registry
	sink     Sink
	workers  int
	logger   *slog.Logger
}

func NewPipeline(registry *Registry, sink Sink, workers int, logger *slog.Logger) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{registry: registry, sink: sink, workers: workers, logger: logger.With("component", "scrape")}
}

// Run scrapes the named sources one after the other. A failing article
// is counted and logged; only index failures and cancellation abort a
// source.
func (p *Pipeline) Run(ctx context.Context, names ...string) ([]Report, error) {
	if len(names) == 0 {
		names = p.registry.Names()
	}
	reports := make([]Report, 0, len(names))
	for _, name := range names {
		src, err := p.registry.Resolve(name)
		if err != nil {
			return reports, err
		}
		report, err := p.runSource(ctx, src)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("source %s: %w", name, err)
		}
	}
	return reports, nil
}

func (p *Pipeline) runSource(ctx context.Context, src Source) (Report, error) {
	report := Report{Source: src.Name()}
	logger := p.logger.With("source", src.Name())

	listings, err := src.ScrapeIndex(ctx)
	if err != nil {
		return report, fmt.Errorf("scrape index: %w", err)
	}
	report.Listed = len(listings)
	logger.Info("index scraped", "listings", len(listings))

	var inserted, updated, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, l := range listings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			page, err := src.ScrapeDetail(gctx, l)
			if err != nil {
				failed.Add(1)
				logger.Warn("scrape detail failed", "link", l.Link, "error", err)
				return nil
			}
			isNew, err := p.sink.Persist(gctx, page)
			if err != nil {
				failed.Add(1)
				logger.Warn("persist failed", "link", l.Link, "error", err)
				return nil
			}
			if isNew {
				inserted.Add(1)
			} else {
				updated.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	report.Inserted = int(inserted.Load())
	report.Updated = int(updated.Load())
	report.Failed = int(failed.Load())
	logger.Info("source done", "inserted", report.Inserted, "updated", report.Updated, "failed", report.Failed)
	return report, err
}
