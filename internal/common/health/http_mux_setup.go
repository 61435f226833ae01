package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupHttpMux serves checker on /health and the default prometheus registry on /metrics.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewHealthCheckHttpHandler(checker))
	mux.Handle("/metrics", promhttp.Handler())
}
