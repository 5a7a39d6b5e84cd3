package cacheproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gqlcache_operations_total",
	Help: "Number of GraphQL operations handled, by cache status and forward reason",
}, []string{"status", "fwd"})

var originErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gqlcache_origin_errors_total",
	Help: "Number of operations that failed at the origin",
})

var requestsForwarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gqlcache_forwarded_requests_total",
	Help: "Number of requests passed to the origin unchanged",
})

var recordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gqlcache_records_persisted_total",
	Help: "Number of cache records written to storage",
})

var cacheRecords = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gqlcache_records",
	Help: "Number of records in the normalized cache",
})

var fieldsEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gqlcache_fields_evicted_total",
	Help: "Number of stored root query fields evicted because of Cache-Update headers",
})
