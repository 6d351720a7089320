package crawler

import (
	"time"
)

// DownloadStatus tracks whether the export layer has fetched an image's bytes.
// The core only ever initialises it to DownloadPending.
type DownloadStatus string

const (
	DownloadPending DownloadStatus = "pending"
	Downloaded      DownloadStatus = "downloaded"
	DownloadFailed  DownloadStatus = "failed"
)

// ImageRecord describes one image that passed every filter during a crawl.
type ImageRecord struct {
	URL          string         `json:"url"`
	Filename     string         `json:"filename"`
	PageURL      string         `json:"page_url"`
	PageTitle    string         `json:"page_title"`
	Category     string         `json:"category"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	Size         int64          `json:"size"`
	Extension    string         `json:"extension"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Download     DownloadStatus `json:"download_status"`
	DiscoveredAt time.Time      `json:"discovered_at"`
}

// CategoryStats aggregates the images recorded under one category.
type CategoryStats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
	AvgWidth   int   `json:"avg_width"`
	AvgHeight  int   `json:"avg_height"`
	PageCount  int   `json:"page_count"` // distinct origin pages
}

// Report is the immutable snapshot produced at the end of a crawl run. It is
// the only artifact handed to the task coordinator.
type Report struct {
	StartURL         string                   `json:"start_url"`
	TotalImages      int                      `json:"total_images"`
	Categories       map[string]CategoryStats `json:"categories"`
	ImagesByCategory map[string][]ImageRecord `json:"images_by_category"`
	VisitedPages     int                      `json:"visited_pages"`
	Duplicates       int                      `json:"duplicates"`
	Filtered         int                      `json:"filtered"`
	Failed           int                      `json:"failed"`
	ElapsedMs        int64                    `json:"elapsed_ms"`
}
