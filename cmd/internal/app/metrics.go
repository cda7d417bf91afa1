package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "class"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pawfect",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	dbReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "db_reconnects_total",
		Help:      "Failed database health probes, each followed by a reconnect attempt.",
	})

	dbReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pawfect",
		Name:      "db_ready",
		Help:      "1 when the last database probe succeeded.",
	})
)
