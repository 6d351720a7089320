package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/imagehive/imagehive/internal/crawler"
	"github.com/imagehive/imagehive/internal/proxy"
	"github.com/imagehive/imagehive/internal/tasks"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// Coordinator is the task distribution surface the handlers depend on
type Coordinator interface {
	Submit(url string, opts crawler.Options) (string, error)
	SubmitBatch(urls []string, opts crawler.Options) []string
	GetResult(ctx context.Context, taskID string) (*tasks.TaskResult, error)
	Stats() tasks.Stats
}

// ProxyPool is the proxy management surface the handlers depend on
type ProxyPool interface {
	Stats() []proxy.EndpointStats
	TestAll(ctx context.Context) []proxy.ProbeResult
	ClearBlacklist()
}

// Handler holds dependencies for API handlers. Runner is the local-mode
// fallback: with no coordinator configured, single crawls run synchronously
// on the request goroutine.
type Handler struct {
	Coordinator Coordinator
	Proxies     ProxyPool
	Runner      tasks.Runner
}

// NewHandler creates a new API handler with dependencies
func NewHandler(coordinator Coordinator, proxies ProxyPool) *Handler {
	return &Handler{
		Coordinator: coordinator,
		Proxies:     proxies,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health and telemetry
	mux.HandleFunc("/health", h.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	// Crawl submission
	mux.HandleFunc("/v1/crawl", h.SubmitCrawl)
	mux.HandleFunc("/v1/crawl/batch", h.SubmitCrawlBatch)

	// Task retrieval: /v1/tasks/:id
	mux.HandleFunc("/v1/tasks/", h.TaskResult)

	// Cluster introspection
	mux.HandleFunc("/v1/cluster/stats", h.ClusterStats)

	// Proxy pool management
	mux.HandleFunc("/v1/proxies", h.ProxyStats)
	mux.HandleFunc("/v1/proxies/test", h.ProxyTest)
	mux.HandleFunc("/v1/proxies/clear-blacklist", h.ProxyClearBlacklist)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "imagehive", Version)
}

// CrawlRequest is the payload for submitting a single crawl
type CrawlRequest struct {
	URL     string           `json:"url"`
	Options *crawler.Options `json:"options,omitempty"`
}

// BatchCrawlRequest is the payload for submitting several crawls at once
type BatchCrawlRequest struct {
	URLs    []string         `json:"urls"`
	Options *crawler.Options `json:"options,omitempty"`
}

// requestOptions merges submitted options over the defaults
func requestOptions(opts *crawler.Options) crawler.Options {
	if opts == nil {
		return crawler.DefaultOptions()
	}
	return *opts
}

// SubmitCrawl handles single crawl submissions
func (h *Handler) SubmitCrawl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to parse crawl request")
		BadRequest(w, r, "Invalid request payload")
		return
	}
	if req.URL == "" {
		BadRequest(w, r, "URL is required")
		return
	}

	if h.Coordinator == nil {
		h.crawlSynchronously(w, r, req)
		return
	}

	taskID, err := h.Coordinator.Submit(req.URL, requestOptions(req.Options))
	if err != nil {
		if errors.Is(err, tasks.ErrNoCapacity) {
			NoCapacity(w, r)
			return
		}
		ValidationError(w, r, err)
		return
	}

	log.Info().Str("task_id", taskID).Str("url", req.URL).Msg("Crawl task submitted")

	WriteAccepted(w, r, map[string]interface{}{
		"task_id": taskID,
		"url":     req.URL,
	}, "Crawl task submitted")
}

// crawlSynchronously runs a crawl on the request goroutine and returns the
// full report, for deployments without a worker pool.
func (h *Handler) crawlSynchronously(w http.ResponseWriter, r *http.Request, req CrawlRequest) {
	if h.Runner == nil {
		ServiceUnavailable(w, r, "No crawl backend configured")
		return
	}

	opts := requestOptions(req.Options)
	if err := opts.Validate(); err != nil {
		ValidationError(w, r, err)
		return
	}

	report, err := h.Runner.Run(r.Context(), req.URL, opts, nil)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, report, "Crawl completed")
}

// SubmitCrawlBatch handles batch crawl submissions
func (h *Handler) SubmitCrawlBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Coordinator == nil {
		ServiceUnavailable(w, r, "Task distribution is not configured")
		return
	}

	var req BatchCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to parse batch crawl request")
		BadRequest(w, r, "Invalid request payload")
		return
	}
	if len(req.URLs) == 0 {
		BadRequest(w, r, "At least one URL is required")
		return
	}

	ids := h.Coordinator.SubmitBatch(req.URLs, requestOptions(req.Options))

	log.Info().
		Int("submitted", len(ids)).
		Int("requested", len(req.URLs)).
		Msg("Batch crawl submitted")

	WriteAccepted(w, r, map[string]interface{}{
		"task_ids":  ids,
		"submitted": len(ids),
		"requested": len(req.URLs),
	}, "Batch crawl submitted")
}

// TaskResult handles task result retrieval for /v1/tasks/:id
func (h *Handler) TaskResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.Coordinator == nil {
		ServiceUnavailable(w, r, "Task distribution is not configured")
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		BadRequest(w, r, "Task ID required in URL path")
		return
	}

	result, err := h.Coordinator.GetResult(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			NotFound(w, r, "Task not found")
			return
		}
		InternalError(w, r, err)
		return
	}

	if result.Processing {
		WriteAccepted(w, r, result, "Task is still processing")
		return
	}
	WriteSuccess(w, r, result, "")
}

// ClusterStats handles worker pool statistics requests
func (h *Handler) ClusterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.Coordinator == nil {
		ServiceUnavailable(w, r, "Task distribution is not configured")
		return
	}

	WriteSuccess(w, r, h.Coordinator.Stats(), "")
}

// ProxyStats handles proxy pool statistics requests
func (h *Handler) ProxyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.Proxies == nil {
		WriteSuccess(w, r, map[string]interface{}{"enabled": false, "proxies": []proxy.EndpointStats{}}, "")
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"enabled": true,
		"proxies": h.Proxies.Stats(),
	}, "")
}

// ProxyTest probes every configured proxy endpoint
func (h *Handler) ProxyTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Proxies == nil {
		ServiceUnavailable(w, r, "Proxy support is not configured")
		return
	}

	results := h.Proxies.TestAll(r.Context())
	WriteSuccess(w, r, map[string]interface{}{"results": results}, "Proxy probe completed")
}

// ProxyClearBlacklist resets blacklist flags on all proxy endpoints
func (h *Handler) ProxyClearBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Proxies == nil {
		ServiceUnavailable(w, r, "Proxy support is not configured")
		return
	}

	h.Proxies.ClearBlacklist()
	WriteSuccess(w, r, nil, "Proxy blacklist cleared")
}
