package crawler

import (
	"context"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSite wires a small in-memory website: HTML pages plus generated PNGs.
type testSite struct {
	mux    *http.ServeMux
	server *httptest.Server
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testSite{mux: mux, server: server}
}

func (s *testSite) page(path, body string) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	})
}

func (s *testSite) image(path string, data []byte) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	})
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxDepth = 2
	opts.MaxPages = 10
	opts.ConcurrentRequests = 2
	opts.RatePerSecond = 1000
	return opts
}

func mustCrawl(t *testing.T, opts Options, deps Deps, startURL string) *Report {
	t.Helper()

	c, err := New(opts, deps)
	require.NoError(t, err)

	report, err := c.Crawl(context.Background(), startURL)
	require.NoError(t, err)
	return report
}

func TestCrawlDiscoversAndFiltersImages(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><head><title>Home</title></head><body>
		<img src="/img/big.png">
		<img src="/img/small.png">
	</body></html>`)
	site.image("/img/big.png", encodePNG(t, 200, 200, color.RGBA{30, 60, 90, 255}))
	site.image("/img/small.png", encodePNG(t, 50, 50, color.RGBA{30, 60, 90, 255}))

	opts := testOptions()
	opts.MaxDepth = 0

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 1, report.TotalImages, "only the 200x200 image passes the 100x100 floor")
	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, 1, report.VisitedPages)

	records := report.ImagesByCategory["homepage"]
	require.Len(t, records, 1)
	assert.Equal(t, "big.png", records[0].Filename)
	assert.Equal(t, 200, records[0].Width)
	assert.Equal(t, 200, records[0].Height)
	assert.Equal(t, "png", records[0].Extension)
	assert.Equal(t, DownloadPending, records[0].Download)
	assert.NotEmpty(t, records[0].Fingerprint)
}

func TestCrawlFollowsSameDomainLinks(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><head><title>Home</title></head><body>
		<a href="/products/">Products</a>
		<a href="https://elsewhere.invalid/page">Offsite</a>
	</body></html>`)
	site.page("/products/", `<html><head><title>Products</title></head><body>
		<img src="/img/widget.png">
	</body></html>`)
	site.image("/img/widget.png", encodePNG(t, 150, 150, color.RGBA{200, 40, 40, 255}))

	report := mustCrawl(t, testOptions(), Deps{}, site.server.URL+"/")

	assert.Equal(t, 2, report.VisitedPages, "offsite link must not be followed")
	assert.Equal(t, 1, report.TotalImages)

	records := report.ImagesByCategory["products"]
	require.Len(t, records, 1)
	assert.Equal(t, "widget.png", records[0].Filename)
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><body><a href="/deeper/">Deeper</a></body></html>`)
	site.page("/deeper/", `<html><body><img src="/img/a.png"></body></html>`)
	site.image("/img/a.png", encodePNG(t, 150, 150, color.RGBA{0, 0, 0, 255}))

	opts := testOptions()
	opts.MaxDepth = 0

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 1, report.VisitedPages)
	assert.Equal(t, 0, report.TotalImages)
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	site := newTestSite(t)

	var links string
	for i := 0; i < 8; i++ {
		links += fmt.Sprintf(`<a href="/page/%d">p%d</a>`, i, i)
		site.page(fmt.Sprintf("/page/%d", i), "<html><body>leaf</body></html>")
	}
	site.page("/", "<html><body>"+links+"</body></html>")

	opts := testOptions()
	opts.MaxPages = 3

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.LessOrEqual(t, report.VisitedPages, 3)
}

func TestCrawlDeduplicatesIdenticalImages(t *testing.T) {
	site := newTestSite(t)
	data := encodeSplitPNG(t, 150, 150)
	site.page("/", `<html><head><title>Home</title></head><body>
		<img src="/img/original.png">
		<img src="/img/copy.png">
	</body></html>`)
	site.image("/img/original.png", data)
	site.image("/img/copy.png", data)

	opts := testOptions()
	opts.MaxDepth = 0

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 1, report.TotalImages)
	assert.Equal(t, 1, report.Duplicates)
}

func TestCrawlDedupDisabledKeepsIdenticalImages(t *testing.T) {
	site := newTestSite(t)
	data := encodeSplitPNG(t, 150, 150)
	site.page("/", `<html><head><title>Home</title></head><body>
		<img src="/img/original.png">
		<img src="/img/copy.png">
	</body></html>`)
	site.image("/img/original.png", data)
	site.image("/img/copy.png", data)

	opts := testOptions()
	opts.MaxDepth = 0
	opts.DetectDuplicates = false

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 2, report.TotalImages, "identical images are both kept with dedup off")
	assert.Equal(t, 0, report.Duplicates)

	records := report.ImagesByCategory["homepage"]
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Empty(t, rec.Fingerprint)
	}
}

func TestCrawlFiltersOversizedImages(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><head><title>Home</title></head><body>
		<img src="/img/huge.png">
	</body></html>`)
	site.image("/img/huge.png", encodePNG(t, 150, 150, color.RGBA{10, 120, 10, 255}))

	opts := testOptions()
	opts.MaxDepth = 0
	opts.MaxImageSize = 64

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 0, report.TotalImages)
	assert.Equal(t, 1, report.Filtered, "oversized image counts as filtered")
}

func TestCrawlSkipsDisallowedExtensions(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><body>
		<img src="/img/photo.png">
		<img src="/img/anim.svg">
	</body></html>`)
	site.image("/img/photo.png", encodePNG(t, 150, 150, color.RGBA{5, 5, 5, 255}))

	opts := testOptions()
	opts.MaxDepth = 0
	opts.ImageTypes = []string{"png"}

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 1, report.TotalImages)
	assert.Equal(t, 1, report.Filtered, "svg reference is filtered before any fetch")
}

func TestCrawlExtractsCSSBackgroundImages(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><body>
		<div style="background-image: url('/img/hero.png');">hero</div>
	</body></html>`)
	site.image("/img/hero.png", encodePNG(t, 300, 200, color.RGBA{80, 80, 200, 255}))

	opts := testOptions()
	opts.MaxDepth = 0

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	assert.Equal(t, 1, report.TotalImages)
}

func TestCrawlRobotsDisallowed(t *testing.T) {
	site := newTestSite(t)
	site.mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
	})
	site.page("/", "<html><body>hidden</body></html>")

	opts := testOptions()
	opts.RespectRobots = true

	c, err := New(opts, Deps{})
	require.NoError(t, err)

	_, err = c.Crawl(context.Background(), site.server.URL+"/")
	assert.ErrorIs(t, err, ErrDisallowedByPolicy)
}

func TestCrawlReportsProgress(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><body><a href="/next">next</a></body></html>`)
	site.page("/next", "<html><body>leaf</body></html>")

	var calls atomic.Int32
	var last atomic.Int32
	deps := Deps{Progress: func(percent int) {
		calls.Add(1)
		last.Store(int32(percent))
	}}

	opts := testOptions()
	opts.MaxPages = 2

	mustCrawl(t, opts, deps, site.server.URL+"/")

	assert.Positive(t, calls.Load())
	assert.Equal(t, int32(100), last.Load())
}

func TestCrawlRejectsInvalidStartURL(t *testing.T) {
	c, err := New(testOptions(), Deps{})
	require.NoError(t, err)

	_, err = c.Crawl(context.Background(), "ftp://example.com")
	assert.Error(t, err)
}

func TestCrawlerIsSingleUse(t *testing.T) {
	site := newTestSite(t)
	site.page("/", "<html><body>once</body></html>")

	c, err := New(testOptions(), Deps{})
	require.NoError(t, err)

	_, err = c.Crawl(context.Background(), site.server.URL+"/")
	require.NoError(t, err)

	_, err = c.Crawl(context.Background(), site.server.URL+"/")
	assert.Error(t, err)
}

func TestCrawlCategoryStats(t *testing.T) {
	site := newTestSite(t)
	site.page("/", `<html><head><title>Home</title></head><body>
		<img src="/img/one.png">
		<img src="/img/two.png">
	</body></html>`)
	site.image("/img/one.png", encodePNG(t, 200, 100, color.RGBA{1, 2, 3, 255}))
	site.image("/img/two.png", encodeSplitPNG(t, 100, 200))

	opts := testOptions()
	opts.MaxDepth = 0

	report := mustCrawl(t, opts, Deps{}, site.server.URL+"/")

	stats, ok := report.Categories["homepage"]
	require.True(t, ok)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 1, stats.PageCount)
	assert.Equal(t, 150, stats.AvgWidth)
	assert.Equal(t, 150, stats.AvgHeight)
	assert.Positive(t, stats.TotalBytes)
}
