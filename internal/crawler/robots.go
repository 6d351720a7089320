package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
)

// robotsMaxSize caps how much of a robots.txt file is read.
const robotsMaxSize = 1 << 20 // 1MB

// checkRobotsPolicy fetches the robots.txt for the start URL's host and
// reports whether the configured user agent may crawl the start path.
// A missing robots.txt, or any fetch error, is treated as no restrictions.
func checkRobotsPolicy(ctx context.Context, client *http.Client, start *url.URL, userAgent string) (bool, error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", start.Scheme, start.Host)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return true, fmt.Errorf("failed to create robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Str("robots_url", robotsURL).Err(err).Msg("Could not fetch robots.txt, assuming no restrictions")
		return true, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Debug().Str("robots_url", robotsURL).Msg("No robots.txt found, no restrictions apply")
		return true, nil
	}
	if resp.StatusCode != http.StatusOK {
		log.Debug().
			Str("robots_url", robotsURL).
			Int("status", resp.StatusCode).
			Msg("Unexpected robots.txt status, assuming no restrictions")
		return true, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxSize))
	if err != nil {
		return true, nil
	}

	robots, err := robotstxt.FromBytes(body)
	if err != nil {
		log.Debug().Str("robots_url", robotsURL).Err(err).Msg("Unparseable robots.txt, assuming no restrictions")
		return true, nil
	}

	startPath := start.Path
	if startPath == "" {
		startPath = "/"
	}

	group := robots.FindGroup(userAgent)
	allowed := group.Test(startPath)

	log.Debug().
		Str("robots_url", robotsURL).
		Str("path", startPath).
		Bool("allowed", allowed).
		Msg("Checked robots.txt policy for start URL")

	return allowed, nil
}
