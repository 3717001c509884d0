package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vjranagit/promrelay/pkg/storage"
)

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"

	modeUnknown = "unknown"
)

type metrics struct {
	registry       *prometheus.Registry
	relayRequests  *prometheus.CounterVec
	relayDurations *prometheus.HistogramVec
}

// cacheStatser is implemented by storage.CachedStorage
type cacheStatser interface {
	CacheStats() (storage.CacheStats, uint64, uint64)
}

func newMetrics(store storage.Storage) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promrelay_relay_requests_total",
			Help: "Relay requests by query mode and outcome.",
		}, []string{"mode", "outcome"}),
		relayDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promrelay_relay_duration_seconds",
			Help:    "Time spent answering relay requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}

	m.registry.MustRegister(
		m.relayRequests,
		m.relayDurations,
		collectors.NewGoCollector(),
	)

	if cached, ok := store.(cacheStatser); ok {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "promrelay_storage_cache_hits_total",
				Help: "Query cache hits.",
			}, func() float64 {
				_, hits, _ := cached.CacheStats()
				return float64(hits)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "promrelay_storage_cache_misses_total",
				Help: "Query cache misses.",
			}, func() float64 {
				_, _, misses := cached.CacheStats()
				return float64(misses)
			}),
		)
	}

	return m
}
