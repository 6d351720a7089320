package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/imagehive/imagehive/internal/api"
	"github.com/imagehive/imagehive/internal/cache"
	"github.com/imagehive/imagehive/internal/metrics"
	"github.com/imagehive/imagehive/internal/proxy"
	"github.com/imagehive/imagehive/internal/ratelimit"
	"github.com/imagehive/imagehive/internal/tasks"
)

// Config holds the runtime configuration loaded from environment variables
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	SentryDSN string

	RedisAddr string

	UseProxy     bool
	ProxyList    string
	ProxyEchoURL string

	MaxWorkers   int
	WorkerCount  int
	QueuePending bool
	ResultTTL    time.Duration

	CrawlRPS      float64
	CrawlBurst    int
	APIRateRPS    float64
	APIRateBurst  int
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:      getEnvWithDefault("PORT", "8080"),
		Env:       getEnvWithDefault("APP_ENV", "development"),
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		UseProxy:     getEnvWithDefault("USE_PROXY", "false") == "true",
		ProxyList:    os.Getenv("PROXY_LIST"),
		ProxyEchoURL: os.Getenv("PROXY_ECHO_URL"),

		MaxWorkers:   getEnvInt("MAX_WORKERS", 4),
		WorkerCount:  getEnvInt("WORKER_COUNT", 0),
		QueuePending: getEnvWithDefault("QUEUE_PENDING", "true") == "true",
		ResultTTL:    time.Duration(getEnvInt("RESULT_TTL_SECONDS", 3600)) * time.Second,

		CrawlRPS:     float64(getEnvInt("CRAWL_RATE_LIMIT", 10)),
		CrawlBurst:   getEnvInt("CRAWL_RATE_BURST", 1),
		APIRateRPS:   float64(getEnvInt("API_RATE_LIMIT", 20)),
		APIRateBurst: getEnvInt("API_RATE_BURST", 5),
	}

	setupLogging(config)

	// Initialise Sentry for error tracking
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	// Result cache: Redis when configured, in-process otherwise
	var resultCache cache.ResultCache
	if config.RedisAddr != "" {
		redisCache := cache.NewRedisCache(config.RedisAddr)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisCache.Ping(pingCtx)
		cancel()
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Str("addr", config.RedisAddr).Msg("Failed to connect to Redis")
		}
		defer redisCache.Close()
		resultCache = redisCache
		log.Info().Str("addr", config.RedisAddr).Msg("Connected to Redis result cache")
	} else {
		resultCache = cache.NewMemoryCache()
		log.Info().Msg("Redis not configured, using in-process result cache")
	}

	// Proxy pool
	var proxies *proxy.Manager
	if addresses := splitProxyList(config.ProxyList); len(addresses) > 0 {
		proxies = proxy.NewManager(proxy.Config{
			Addresses: addresses,
			Enabled:   config.UseProxy,
			EchoURL:   config.ProxyEchoURL,
		})
		log.Info().
			Int("proxies", len(addresses)).
			Bool("enabled", config.UseProxy).
			Msg("Proxy pool configured")
	} else if config.UseProxy {
		log.Warn().Msg("USE_PROXY is set but PROXY_LIST is empty, crawling directly")
	}

	appMetrics := metrics.New()
	crawlGate := ratelimit.NewGate(config.CrawlRPS, config.CrawlBurst)

	runner := &tasks.CrawlRunner{
		Gate:    crawlGate,
		Proxies: proxies,
		Metrics: appMetrics,
	}

	coordinator := tasks.NewCoordinator(tasks.Config{
		MaxWorkers:      config.MaxWorkers,
		WorkerCount:     config.WorkerCount,
		QueuePending:    config.QueuePending,
		RestartCooldown: time.Second,
		ResultTTL:       config.ResultTTL,
	}, runner, resultCache, appMetrics)

	coordinator.Subscribe(func(taskID string, percent int) {
		log.Debug().Str("task_id", taskID).Int("percent", percent).Msg("Crawl progress")
	})

	coordinator.Start(context.Background())
	defer coordinator.Stop()

	// API rate limiter keyed by client IP
	apiGate := ratelimit.NewGate(config.APIRateRPS, config.APIRateBurst)

	apiHandler := api.NewHandler(coordinator, proxyPoolOrNil(proxies))

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Add middleware in reverse order (outermost first)
	var handler http.Handler = mux
	handler = api.RateLimitMiddleware(apiGate, handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")
	baseURL := fmt.Sprintf("http://localhost:%s", config.Port)
	log.Info().Str("health", baseURL+"/health").Msg("Health check")
	log.Info().Str("metrics", baseURL+"/metrics").Msg("Prometheus metrics")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// proxyPoolOrNil keeps the handler's ProxyPool interface nil when no manager
// exists, instead of a non-nil interface wrapping a nil pointer.
func proxyPoolOrNil(m *proxy.Manager) api.ProxyPool {
	if m == nil {
		return nil
	}
	return m
}

// splitProxyList parses the comma-separated PROXY_LIST value
func splitProxyList(raw string) []string {
	var addresses []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			addresses = append(addresses, part)
		}
	}
	return addresses
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Console writer in development, JSON elsewhere
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "imagehive").
			Logger()
	}
}
