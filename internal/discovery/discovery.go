// Package discovery fetches catalog search pages and extracts course links.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// Link is one discovered course URL with its classification.
type Link struct {
	URL  string
	Kind pipeline.URLKind
}

// Extractor crawls catalog pages with colly and classifies outgoing links.
type Extractor struct {
	userAgent string
	logger    *zap.Logger
}

// New creates an Extractor.
func New(userAgent string, logger *zap.Logger) *Extractor {
	return &Extractor{userAgent: userAgent, logger: logger.Named("discovery")}
}

// FetchLinks loads one catalog search page and returns the deduplicated
// course-related links on it. Ignored link kinds are dropped here so callers
// only see enqueueable URLs.
func (e *Extractor) FetchLinks(ctx context.Context, pageURL string) ([]Link, error) {
	c := colly.NewCollector(
		colly.UserAgent(e.userAgent),
		colly.StdlibContext(ctx),
	)

	seen := make(map[string]pipeline.URLKind)
	c.OnHTML("a[href]", func(el *colly.HTMLElement) {
		raw := el.Request.AbsoluteURL(el.Attr("href"))
		if raw == "" {
			return
		}
		u := pipeline.NormalizeURL(raw)
		kind := pipeline.ClassifyURL(u)
		if kind == pipeline.URLIgnored {
			return
		}
		seen[u] = kind
	})

	var fetchErr error
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("visit catalog page %s: %w", pageURL, err)
	}
	c.Wait()
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch catalog page %s: %w", pageURL, fetchErr)
	}

	links := make([]Link, 0, len(seen))
	for u, kind := range seen {
		links = append(links, Link{URL: u, Kind: kind})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].URL < links[j].URL })

	e.logger.Debug("extracted catalog links",
		zap.String("page", pageURL),
		zap.Int("links", len(links)))
	return links, nil
}
