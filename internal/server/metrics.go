package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newPrometheusRegistry builds a fresh registry per Server instance
// rather than reaching for prometheus.DefaultRegisterer, so more than one
// Server can exist in the same process (e.g. parallel tests) without a
// duplicate-metric panic.
func newPrometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
