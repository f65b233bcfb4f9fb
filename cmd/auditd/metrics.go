package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the daemon's Prometheus collectors.
type metrics struct {
	eventsTracked  *prometheus.CounterVec
	queries        *prometheus.CounterVec
	queryDuration  prometheus.Histogram
	ingestMessages *prometheus.CounterVec
}

// newMetrics registers the daemon's collectors on reg.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		eventsTracked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_events_tracked_total",
			Help: "Audit events received for tracking, by result",
		}, []string{"result"}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_queries_total",
			Help: "Audit event queries served, by result",
		}, []string{"result"}),
		queryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "audittrail_query_duration_seconds",
			Help:    "Time spent answering audit event queries",
			Buckets: prometheus.DefBuckets,
		}),
		ingestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_ingest_messages_total",
			Help: "Kafka messages consumed, by result",
		}, []string{"result"}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
