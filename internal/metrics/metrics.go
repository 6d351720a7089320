// Package metrics defines the Prometheus instruments shared by the crawl
// engine, proxy manager and task coordinator. A nil *Metrics is a no-op so
// components can run uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the application.
type Metrics struct {
	PagesCrawled     prometheus.Counter
	ImagesDiscovered prometheus.Counter
	ImagesFiltered   prometheus.Counter
	ImagesDuplicate  prometheus.Counter
	ImagesFailed     prometheus.Counter
	TasksTotal       *prometheus.CounterVec
	ProxyFailures    prometheus.Counter
}

// New registers the instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		PagesCrawled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagehive_pages_crawled_total",
			Help: "Pages fetched and processed across all crawl runs",
		}),
		ImagesDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagehive_images_discovered_total",
			Help: "Images that passed every filter and were recorded",
		}),
		ImagesFiltered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagehive_images_filtered_total",
			Help: "Images rejected by extension, dimension or size filters",
		}),
		ImagesDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagehive_images_duplicate_total",
			Help: "Images rejected as perceptual duplicates",
		}),
		ImagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagehive_images_failed_total",
			Help: "Image fetches that failed",
		}),
		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imagehive_tasks_total",
			Help: "Crawl tasks by terminal outcome",
		}, []string{"outcome"}), // completed, failed, lost
		ProxyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagehive_proxy_failures_total",
			Help: "Failed fetches attributed to a proxy endpoint",
		}),
	}
}

func (m *Metrics) IncPagesCrawled() {
	if m != nil {
		m.PagesCrawled.Inc()
	}
}

func (m *Metrics) IncImagesDiscovered() {
	if m != nil {
		m.ImagesDiscovered.Inc()
	}
}

func (m *Metrics) IncImagesFiltered() {
	if m != nil {
		m.ImagesFiltered.Inc()
	}
}

func (m *Metrics) IncImagesDuplicate() {
	if m != nil {
		m.ImagesDuplicate.Inc()
	}
}

func (m *Metrics) IncImagesFailed() {
	if m != nil {
		m.ImagesFailed.Inc()
	}
}

func (m *Metrics) IncTasks(outcome string) {
	if m != nil {
		m.TasksTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncProxyFailures() {
	if m != nil {
		m.ProxyFailures.Inc()
	}
}
