package rag

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/askdocs/askdocs/internal/log"
)

const (
	// defaultMaxDepth bounds link-following from each seed URL.
	defaultMaxDepth = 3

	// maxContentRunes caps stored page content. Pages longer than this
	// are truncated; embedding quality degrades on very long inputs
	// anyway.
	maxContentRunes = 8000
)

// upserter is the slice of DocumentStore the loader needs.
type upserter interface {
	Upsert(ctx context.Context, doc Document) error
}

// Loader crawls documentation sites and indexes their pages. Crawling
// stays within the seed URLs' hosts; off-site links are not followed.
type Loader struct {
	store    upserter
	status   *Status
	logger   log.Logger
	maxDepth int
	parallel int
}

// NewLoader creates a Loader. maxDepth <= 0 selects defaultMaxDepth.
func NewLoader(store upserter, status *Status, maxDepth int, logger log.Logger) *Loader {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &Loader{
		store:    store,
		status:   status,
		logger:   logger,
		maxDepth: maxDepth,
		parallel: 2,
	}
}

// Load crawls the seed URLs and indexes every readable page, driving the
// status state machine as it goes. It blocks until the crawl finishes.
func (l *Loader) Load(ctx context.Context, seeds []string) error {
	if len(seeds) == 0 {
		err := fmt.Errorf("no documentation URLs configured")
		l.status.Fail(err)
		return err
	}

	hosts, err := seedHosts(seeds)
	if err != nil {
		l.status.Fail(err)
		return err
	}

	l.status.BeginLoading()
	l.logger.Info("document load started", "seeds", len(seeds), "max_depth", l.maxDepth)

	c := colly.NewCollector(
		colly.AllowedDomains(hosts...),
		colly.MaxDepth(l.maxDepth),
		colly.Async(true),
	)
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: l.parallel}); err != nil {
		l.status.Fail(err)
		return fmt.Errorf("configure crawler: %w", err)
	}

	var (
		indexed  atomic.Int64
		firstErr error
		errOnce  sync.Once
	)

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if ctx.Err() != nil {
			return
		}
		// Ignored errors here are filtered or already-visited links.
		_ = e.Request.Visit(e.Attr("href"))
	})

	c.OnResponse(func(r *colly.Response) {
		if ctx.Err() != nil {
			return
		}
		if ct := r.Headers.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
			return
		}

		doc, err := extractDocument(r.Request.URL, r.Body)
		if err != nil {
			l.logger.Warn("page extraction failed", "url", r.Request.URL.String(), "error", err)
			return
		}
		if doc.Content == "" {
			return
		}

		if err := l.store.Upsert(ctx, doc); err != nil {
			l.logger.Error("document upsert failed", "url", doc.URL, "error", err)
			errOnce.Do(func() { firstErr = err })
			return
		}
		indexed.Add(1)
	})

	c.OnError(func(r *colly.Response, err error) {
		l.logger.Warn("crawl request failed", "url", r.Request.URL.String(), "error", err)
	})

	for _, seed := range seeds {
		if err := c.Visit(seed); err != nil {
			l.logger.Warn("seed visit failed", "url", seed, "error", err)
		}
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		l.status.Fail(err)
		return err
	}

	count := int(indexed.Load())
	if count == 0 {
		err := firstErr
		if err == nil {
			err = fmt.Errorf("crawl indexed no documents")
		}
		l.status.Fail(err)
		return err
	}

	l.status.Complete(count)
	l.logger.Info("document load complete", "documents", count)
	return nil
}

// extractDocument pulls readable text from a crawled page. Readability
// strips navigation and boilerplate; goquery supplies the <title> when
// readability cannot find one.
func extractDocument(pageURL *url.URL, body []byte) (Document, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("readability: %w", err)
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		if gq, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			title = strings.TrimSpace(gq.Find("title").First().Text())
		}
	}

	content := strings.TrimSpace(article.TextContent)
	if runes := []rune(content); len(runes) > maxContentRunes {
		content = string(runes[:maxContentRunes])
	}

	return Document{
		URL:     pageURL.String(),
		Title:   title,
		Content: content,
	}, nil
}

func seedHosts(seeds []string) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	for _, seed := range seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid documentation URL %q", seed)
		}
		// Both forms so hosts with explicit ports match either way the
		// crawler normalizes them.
		add(u.Host)
		add(u.Hostname())
	}
	return hosts, nil
}
