package tasks

import (
	"context"

	"github.com/imagehive/imagehive/internal/crawler"
	"github.com/imagehive/imagehive/internal/metrics"
	"github.com/imagehive/imagehive/internal/proxy"
	"github.com/imagehive/imagehive/internal/ratelimit"
)

// Runner executes one crawl on behalf of a worker. The coordinator only
// depends on this interface, which keeps workers testable without network.
type Runner interface {
	Run(ctx context.Context, url string, opts crawler.Options, progress func(percent int)) (*crawler.Report, error)
}

// CrawlRunner is the production Runner: it constructs a fresh crawl engine
// per task around the shared proxy manager and rate gate.
type CrawlRunner struct {
	Gate    *ratelimit.Gate
	Proxies *proxy.Manager
	Metrics *metrics.Metrics
}

func (r *CrawlRunner) Run(ctx context.Context, url string, opts crawler.Options, progress func(int)) (*crawler.Report, error) {
	engine, err := crawler.New(opts, crawler.Deps{
		Gate:     r.Gate,
		Proxies:  r.Proxies,
		Metrics:  r.Metrics,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}
	return engine.Crawl(ctx, url)
}
