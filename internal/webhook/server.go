package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/selfrunner/internal/health"
)

// ServerConfig describes the HTTP surface of startserver.
type ServerConfig struct {
	Port int

	// Engine and Runners are reported by /healthz.
	Engine  string
	Runners func() int

	// Metrics serves the Prometheus registry on /metrics.
	Metrics bool
}

// NewMux routes /webhook, /healthz and, when enabled, /metrics.
func NewMux(h *Handler, cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhook", otelhttp.NewHandler(h, "webhook"))
	mux.Handle("/healthz", health.Handler(health.Source{Engine: cfg.Engine, Runners: cfg.Runners}))
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// NewServer returns the HTTP server for NewMux.
func NewServer(h *Handler, cfg ServerConfig) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewMux(h, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
