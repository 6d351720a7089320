// Package crawler implements the image crawl engine: a depth- and page-bounded
// traversal of one site that discovers, filters, deduplicates and categorises
// images, producing an immutable Report.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/imagehive/imagehive/internal/metrics"
	"github.com/imagehive/imagehive/internal/proxy"
	"github.com/imagehive/imagehive/internal/ratelimit"
	"github.com/imagehive/imagehive/internal/util"
)

// ErrDisallowedByPolicy is returned when robots.txt forbids crawling the
// start URL for the configured user agent.
var ErrDisallowedByPolicy = errors.New("crawl disallowed by robots policy")

// cssURLRe extracts url(...) references from inline background-image styles.
var cssURLRe = regexp.MustCompile(`background(?:-image)?\s*:[^;]*?url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// Deps are the shared collaborators injected into each engine instance.
// All fields are optional; a nil Gate is replaced by a private one built from
// the run's rate options.
type Deps struct {
	Gate     *ratelimit.Gate
	Proxies  *proxy.Manager
	Metrics  *metrics.Metrics
	Progress func(percent int) // advisory, called as pages complete
}

// Crawler is a single-run crawl engine. Construct a fresh instance per run;
// Crawl may only be called once.
type Crawler struct {
	opts     Options
	allowed  map[string]struct{}
	gate     *ratelimit.Gate
	proxies  *proxy.Manager
	metrics  *metrics.Metrics
	progress func(int)

	base *colly.Collector

	clientsMu sync.Mutex
	clients   map[string]*http.Client

	running atomic.Bool
	state   *crawlState
}

// crawlState is the mutable per-run state, owned exclusively by one engine.
type crawlState struct {
	mu              sync.Mutex
	visited         map[string]struct{}
	images          map[string][]ImageRecord
	pagesByCategory map[string]map[string]struct{}
	dedup           *dedupIndex
	duplicates      int
	filtered        int
	failed          int
}

// New validates the options and builds an engine around them.
func New(opts Options, deps Deps) (*Crawler, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl options: %w", err)
	}

	gate := deps.Gate
	if gate == nil {
		gate = ratelimit.NewGate(opts.RatePerSecond, opts.ConcurrentRequests)
	}

	base := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
	)
	base.SetRequestTimeout(opts.RequestTimeout)

	return &Crawler{
		opts:     opts,
		allowed:  opts.allowedTypes(),
		gate:     gate,
		proxies:  deps.Proxies,
		metrics:  deps.Metrics,
		progress: deps.Progress,
		base:     base,
		clients:  make(map[string]*http.Client),
		state: &crawlState{
			visited:         make(map[string]struct{}),
			images:          make(map[string][]ImageRecord),
			pagesByCategory: make(map[string]map[string]struct{}),
			dedup:           newDedupIndex(),
		},
	}, nil
}

// Crawl traverses the site rooted at startURL and returns the completed
// report. Page and image errors are absorbed into counters; only run-level
// preconditions (invalid URL, robots denial) fail the run.
func (c *Crawler) Crawl(ctx context.Context, startURL string) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, errors.New("crawler instance already used, construct a fresh one per run")
	}

	start, err := util.ValidateURL(startURL)
	if err != nil {
		return nil, err
	}

	if c.opts.RespectRobots {
		allowed, err := checkRobotsPolicy(ctx, c.clientFor(nil), start, c.opts.UserAgent)
		if err != nil {
			log.Warn().Str("url", startURL).Err(err).Msg("Robots policy check errored")
		}
		if !allowed {
			return nil, ErrDisallowedByPolicy
		}
	}

	log.Info().
		Str("url", startURL).
		Int("max_depth", c.opts.MaxDepth).
		Int("max_pages", c.opts.MaxPages).
		Msg("Starting crawl")

	began := time.Now()
	c.crawlPage(ctx, start.String(), start.Hostname(), 0)
	report := c.buildReport(startURL, time.Since(began))

	log.Info().
		Str("url", startURL).
		Int("visited_pages", report.VisitedPages).
		Int("total_images", report.TotalImages).
		Int("duplicates", report.Duplicates).
		Int("filtered", report.Filtered).
		Int("failed", report.Failed).
		Dur("elapsed", time.Since(began)).
		Msg("Crawl completed")

	return report, nil
}

// crawlPage handles one traversal unit: fetch, extract, then recurse into
// same-domain links in bounded chunks.
func (c *Crawler) crawlPage(ctx context.Context, pageURL, baseHost string, depth int) {
	if ctx.Err() != nil || depth > c.opts.MaxDepth {
		return
	}

	c.state.mu.Lock()
	if _, seen := c.state.visited[pageURL]; seen || len(c.state.visited) >= c.opts.MaxPages {
		c.state.mu.Unlock()
		return
	}
	c.state.visited[pageURL] = struct{}{}
	visitedCount := len(c.state.visited)
	c.state.mu.Unlock()

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return
	}

	if err := c.gate.Wait(ctx, parsed.Hostname()); err != nil {
		return
	}
	if c.opts.RequestDelay > 0 {
		select {
		case <-time.After(c.opts.RequestDelay):
		case <-ctx.Done():
			return
		}
	}

	log.Debug().Str("url", pageURL).Int("depth", depth).Msg("Crawling page")

	page, err := c.fetchPage(ctx, pageURL)
	c.metrics.IncPagesCrawled()
	if err != nil {
		c.state.mu.Lock()
		c.state.failed++
		c.state.mu.Unlock()
		log.Debug().Str("url", pageURL).Err(err).Msg("Page fetch failed")
		return
	}
	c.reportProgress(visitedCount)
	if page == nil {
		// Non-HTML response: fetched for bytes but not traversed.
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.ConcurrentRequests)
	for _, src := range page.imageRefs {
		abs := util.ResolveRef(parsed, src)
		if abs == "" {
			continue
		}
		g.Go(func() error {
			c.processImage(ctx, abs, parsed, page.title)
			return nil
		})
	}
	g.Wait()

	if depth >= c.opts.MaxDepth {
		return
	}

	links := c.sameDomainLinks(parsed, baseHost, page.links)
	for i := 0; i < len(links); i += c.opts.ConcurrentRequests {
		end := min(i+c.opts.ConcurrentRequests, len(links))
		var wg sync.WaitGroup
		for _, link := range links[i:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.crawlPage(ctx, link, baseHost, depth+1)
			}()
		}
		wg.Wait()
	}
}

// pageData is what one page fetch yields before resolution and filtering.
type pageData struct {
	title     string
	imageRefs []string
	links     []string
}

// fetchPage fetches a single page through a colly clone. Returns (nil, nil)
// for non-HTML responses.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (*pageData, error) {
	ep := c.nextProxy()

	clone := c.base.Clone()
	clone.SetClient(c.clientFor(ep))

	page := &pageData{}
	var isHTML bool
	var fetchErr error

	clone.OnResponse(func(r *colly.Response) {
		isHTML = strings.Contains(strings.ToLower(r.Headers.Get("Content-Type")), "text/html")
	})
	clone.OnHTML("title", func(e *colly.HTMLElement) {
		if page.title == "" {
			page.title = strings.TrimSpace(e.Text)
		}
	})
	clone.OnHTML("img", func(e *colly.HTMLElement) {
		src := e.Attr("src")
		if src == "" {
			src = e.Attr("data-src")
		}
		if src != "" {
			page.imageRefs = append(page.imageRefs, src)
		}
	})
	clone.OnHTML("[style]", func(e *colly.HTMLElement) {
		for _, m := range cssURLRe.FindAllStringSubmatch(e.Attr("style"), -1) {
			page.imageRefs = append(page.imageRefs, m[1])
		}
	})
	clone.OnHTML("a[href]", func(e *colly.HTMLElement) {
		page.links = append(page.links, e.Attr("href"))
	})
	clone.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := clone.Visit(pageURL); err != nil && fetchErr == nil {
			fetchErr = err
		}
		clone.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.recordProxyOutcome(ep, false)
		return nil, ctx.Err()
	}

	c.recordProxyOutcome(ep, fetchErr == nil)
	if fetchErr != nil {
		return nil, fetchErr
	}
	if !isHTML {
		return nil, nil
	}
	return page, nil
}

// processImage runs the full per-image pipeline: extension filter, fetch,
// dimension/size filters, dedup, then registration.
func (c *Crawler) processImage(ctx context.Context, imageURL string, page *url.URL, pageTitle string) {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return
	}

	ext := extensionOf(parsed)
	if _, ok := c.allowed[ext]; !ok {
		c.markFiltered()
		return
	}

	if err := c.gate.Wait(ctx, parsed.Hostname()); err != nil {
		return
	}

	data, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		c.markFailed()
		log.Debug().Str("image_url", imageURL).Err(err).Msg("Image fetch failed")
		return
	}

	size := int64(len(data))
	if size > c.opts.MaxImageSize {
		c.markFiltered()
		return
	}

	var fp string
	var width, height int
	if c.opts.DetectDuplicates {
		fp, width, height, err = perceptualFingerprint(data)
		if err != nil {
			// Low-confidence success: keep the record filterable on size.
			width, height = fallbackDimension, fallbackDimension
			fp = metadataFingerprint(imageURL, size)
		}
	} else {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			width, height = fallbackDimension, fallbackDimension
		} else {
			width, height = cfg.Width, cfg.Height
		}
	}

	if width < c.opts.MinWidth || height < c.opts.MinHeight {
		c.markFiltered()
		return
	}

	if fp != "" && !c.state.dedup.insert(fp, imageURL) {
		c.state.mu.Lock()
		c.state.duplicates++
		c.state.mu.Unlock()
		c.metrics.IncImagesDuplicate()
		log.Debug().Str("image_url", imageURL).Msg("Skipping duplicate image")
		return
	}

	category := categoryFor(page, pageTitle, c.opts.CategoryMode)
	record := ImageRecord{
		URL:          imageURL,
		Filename:     filenameFor(parsed, pageTitle, ext),
		PageURL:      page.String(),
		PageTitle:    pageTitle,
		Category:     category,
		Width:        width,
		Height:       height,
		Size:         size,
		Extension:    ext,
		Fingerprint:  fp,
		Download:     DownloadPending,
		DiscoveredAt: time.Now(),
	}

	c.state.mu.Lock()
	c.state.images[category] = append(c.state.images[category], record)
	pages, ok := c.state.pagesByCategory[category]
	if !ok {
		pages = make(map[string]struct{})
		c.state.pagesByCategory[category] = pages
	}
	pages[record.PageURL] = struct{}{}
	c.state.mu.Unlock()

	c.metrics.IncImagesDiscovered()
}

// fetchImage fetches image bytes through the proxy layer, capped at one byte
// over the size limit so oversized responses are detectable without unbounded
// reads.
func (c *Crawler) fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	ep := c.nextProxy()
	client := c.clientFor(ep)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		c.recordProxyOutcome(ep, false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordProxyOutcome(ep, false)
		return nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxImageSize+1))
	c.recordProxyOutcome(ep, err == nil)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// sameDomainLinks resolves hrefs against the page URL and keeps unique links
// whose host equals the crawl's base host or is a subdomain of it.
func (c *Crawler) sameDomainLinks(page *url.URL, baseHost string, hrefs []string) []string {
	seen := make(map[string]struct{}, len(hrefs))
	links := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		abs := util.ResolveRef(page, href)
		if abs == "" {
			continue
		}
		parsed, err := url.Parse(abs)
		if err != nil || !util.SameDomain(parsed.Hostname(), baseHost) {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	}
	return links
}

func (c *Crawler) nextProxy() *proxy.Endpoint {
	if !c.opts.UseProxy || c.proxies == nil {
		return nil
	}
	return c.proxies.Next()
}

func (c *Crawler) recordProxyOutcome(ep *proxy.Endpoint, success bool) {
	if ep == nil {
		return
	}
	if success {
		c.proxies.RecordSuccess(ep)
	} else {
		c.proxies.RecordFailure(ep)
		c.metrics.IncProxyFailures()
	}
	c.proxies.Rotate()
}

// clientFor returns a cached HTTP client routed through the given endpoint,
// or a direct client when ep is nil.
func (c *Crawler) clientFor(ep *proxy.Endpoint) *http.Client {
	key := ""
	if ep != nil {
		key = ep.Address
	}

	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if ep != nil {
		transport.Proxy = http.ProxyURL(ep.URL())
	}

	client := &http.Client{
		Timeout:   c.opts.RequestTimeout,
		Transport: transport,
	}
	c.clients[key] = client
	return client
}

func (c *Crawler) markFiltered() {
	c.state.mu.Lock()
	c.state.filtered++
	c.state.mu.Unlock()
	c.metrics.IncImagesFiltered()
}

func (c *Crawler) markFailed() {
	c.state.mu.Lock()
	c.state.failed++
	c.state.mu.Unlock()
	c.metrics.IncImagesFailed()
}

func (c *Crawler) reportProgress(visitedCount int) {
	if c.progress == nil {
		return
	}
	percent := visitedCount * 100 / c.opts.MaxPages
	if percent > 100 {
		percent = 100
	}
	c.progress(percent)
}

// buildReport snapshots the run state into an immutable report.
func (c *Crawler) buildReport(startURL string, elapsed time.Duration) *Report {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	report := &Report{
		StartURL:         startURL,
		Categories:       make(map[string]CategoryStats, len(c.state.images)),
		ImagesByCategory: make(map[string][]ImageRecord, len(c.state.images)),
		VisitedPages:     len(c.state.visited),
		Duplicates:       c.state.duplicates,
		Filtered:         c.state.filtered,
		Failed:           c.state.failed,
		ElapsedMs:        elapsed.Milliseconds(),
	}

	for category, records := range c.state.images {
		stats := CategoryStats{
			Count:     len(records),
			PageCount: len(c.state.pagesByCategory[category]),
		}
		var widthSum, heightSum int
		for _, r := range records {
			stats.TotalBytes += r.Size
			widthSum += r.Width
			heightSum += r.Height
		}
		if stats.Count > 0 {
			stats.AvgWidth = widthSum / stats.Count
			stats.AvgHeight = heightSum / stats.Count
		}

		report.Categories[category] = stats
		report.ImagesByCategory[category] = append([]ImageRecord(nil), records...)
		report.TotalImages += stats.Count
	}

	return report
}
