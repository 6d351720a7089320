package crawler

import (
	"fmt"
	"strings"
	"time"
)

// CategoryMode selects how discovered images are grouped.
type CategoryMode string

const (
	CategoryByPath   CategoryMode = "path"   // first path segment of the page URL
	CategoryByPage   CategoryMode = "page"   // page title
	CategoryByDomain CategoryMode = "domain" // leftmost subdomain label
)

// Options is the immutable per-run configuration for a crawl. Build it with
// DefaultOptions, adjust fields, then pass it to New which validates it once.
// It is never mutated during a run.
type Options struct {
	MaxDepth           int           `json:"max_depth"`
	MaxPages           int           `json:"max_pages"`
	CategoryMode       CategoryMode  `json:"category_mode"`
	ImageTypes         []string      `json:"image_types"`
	MinWidth           int           `json:"min_width"`
	MinHeight          int           `json:"min_height"`
	MaxImageSize       int64         `json:"max_image_size"` // bytes
	JPEGQuality        int           `json:"jpeg_quality"`
	DetectDuplicates   bool          `json:"detect_duplicates"`
	RespectRobots      bool          `json:"respect_robots"`
	RequestDelay       time.Duration `json:"request_delay"`
	RequestTimeout     time.Duration `json:"request_timeout"`
	ConcurrentRequests int           `json:"concurrent_requests"`
	RatePerSecond      float64       `json:"rate_per_second"`
	UseProxy           bool          `json:"use_proxy"`
	UserAgent          string        `json:"user_agent"`
}

// DefaultOptions returns the baseline crawl configuration.
func DefaultOptions() Options {
	return Options{
		MaxDepth:           2,
		MaxPages:           50,
		CategoryMode:       CategoryByPath,
		ImageTypes:         []string{"jpg", "jpeg", "png", "gif", "webp"},
		MinWidth:           100,
		MinHeight:          100,
		MaxImageSize:       10 << 20, // 10 MiB
		JPEGQuality:        80,
		DetectDuplicates:   true,
		RespectRobots:      false,
		RequestDelay:       0,
		RequestTimeout:     10 * time.Second,
		ConcurrentRequests: 3,
		RatePerSecond:      10,
		UseProxy:           false,
		UserAgent:          "ImageHive/1.0 (+https://github.com/imagehive/imagehive)",
	}
}

// Validate rejects invalid option values up front so traversal never has to.
func (o Options) Validate() error {
	if o.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", o.MaxDepth)
	}
	if o.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be > 0, got %d", o.MaxPages)
	}
	switch o.CategoryMode {
	case CategoryByPath, CategoryByPage, CategoryByDomain:
	default:
		return fmt.Errorf("unknown category_mode %q", o.CategoryMode)
	}
	if len(o.ImageTypes) == 0 {
		return fmt.Errorf("image_types must not be empty")
	}
	if o.MinWidth < 0 || o.MinHeight < 0 {
		return fmt.Errorf("min_width/min_height must be >= 0")
	}
	if o.MaxImageSize <= 0 {
		return fmt.Errorf("max_image_size must be > 0, got %d", o.MaxImageSize)
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in 1..100, got %d", o.JPEGQuality)
	}
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if o.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent_requests must be > 0, got %d", o.ConcurrentRequests)
	}
	if o.RatePerSecond <= 0 {
		return fmt.Errorf("rate_per_second must be > 0")
	}
	if o.UserAgent == "" {
		return fmt.Errorf("user_agent must not be empty")
	}
	return nil
}

// allowedTypes returns the image extension set in lowercase for lookup.
func (o Options) allowedTypes() map[string]struct{} {
	set := make(map[string]struct{}, len(o.ImageTypes))
	for _, t := range o.ImageTypes {
		set[strings.ToLower(strings.TrimPrefix(t, "."))] = struct{}{}
	}
	return set
}
