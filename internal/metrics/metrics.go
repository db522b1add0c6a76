// Package metrics provides Prometheus instrumentation for the image cache.
// A nil *Collector is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pichub"

// Collector holds all Prometheus metrics for pichub.
type Collector struct {
	registry prometheus.Gatherer

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Pipeline metrics
	Fetches        *prometheus.CounterVec
	FetchBytes     *prometheus.CounterVec
	FetchShared    prometheus.Counter
	Resizes        *prometheus.CounterVec
	DeliveredBytes *prometheus.CounterVec

	// Billing metrics
	BillingFlushes  *prometheus.CounterVec
	BillingRequests prometheus.Counter
	BillingTokens   prometheus.Counter
}

// New creates a collector registered on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by collection and outcome (hit, original, miss)",
			},
			[]string{"collection", "result"},
		),

		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_fetches_total",
				Help:      "Blob store fetches into the original cache",
			},
			[]string{"collection", "status"},
		),
		FetchBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_fetch_bytes_total",
				Help:      "Bytes copied from the blob store into the cache",
			},
			[]string{"collection"},
		),
		FetchShared: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inflight_shared_total",
				Help:      "Fetch or resize flights joined by more than one request",
			},
		),
		Resizes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resizes_total",
				Help:      "Derived variants rendered",
			},
			[]string{"collection", "status"},
		),
		DeliveredBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivered_bytes_total",
				Help:      "Bytes delivered to clients",
			},
			[]string{"collection"},
		),

		BillingFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_flushes_total",
				Help:      "Aggregated balance write batches",
			},
			[]string{"status"},
		),
		BillingRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_requests_total",
				Help:      "Usage events folded into billing batches",
			},
		),
		BillingTokens: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_tokens_total",
				Help:      "Per-token deductions issued",
			},
		),
	}
}

// Gatherer returns the registry backing this collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// ObserveLookup records a cache lookup outcome.
func (c *Collector) ObserveLookup(collection, result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(collection, result).Inc()
}

// ObserveFetch records one blob fetch.
func (c *Collector) ObserveFetch(collection string, bytes int64, err error) {
	if c == nil {
		return
	}
	c.Fetches.WithLabelValues(collection, status(err)).Inc()
	if err == nil {
		c.FetchBytes.WithLabelValues(collection).Add(float64(bytes))
	}
}

// ObserveShared records a request that reused another request's work.
func (c *Collector) ObserveShared() {
	if c == nil {
		return
	}
	c.FetchShared.Inc()
}

// ObserveResize records one derived render.
func (c *Collector) ObserveResize(collection string, err error) {
	if c == nil {
		return
	}
	c.Resizes.WithLabelValues(collection, status(err)).Inc()
}

// ObserveDelivery records bytes sent to a client.
func (c *Collector) ObserveDelivery(collection string, bytes int) {
	if c == nil {
		return
	}
	c.DeliveredBytes.WithLabelValues(collection).Add(float64(bytes))
}

// ObserveBillingFlush records one aggregated write batch.
func (c *Collector) ObserveBillingFlush(requests, tokens int, err error) {
	if c == nil {
		return
	}
	c.BillingFlushes.WithLabelValues(status(err)).Inc()
	if err == nil {
		c.BillingRequests.Add(float64(requests))
		c.BillingTokens.Add(float64(tokens))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
