package server

import (
	"standby/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "primary"

var (
	connections = metrics.NewGauge(
		"connections",
		subsystem,
		"open replication connections",
		[]string{},
	)
	requests = metrics.NewCounter(
		"requests",
		subsystem,
		"replication requests by kind and result",
		[]string{"kind", "result"},
	)
	sentBytes = metrics.NewCounter(
		"sent_bytes",
		subsystem,
		"segment and blob payload bytes sent",
		[]string{"kind"},
	)
	serveLatency = metrics.NewHistogramWithBuckets(
		"serve_latency_seconds",
		subsystem,
		"time to serve one request",
		[]string{"kind"},
		prometheus.ExponentialBuckets(0.0005, 2, 14),
	)
	headChanges = metrics.NewCounter(
		"head_changes",
		subsystem,
		"head changes observed by the watcher",
		[]string{},
	)
)

type tracker struct {
	connections  prometheus.Gauge
	headChanges  prometheus.Counter
	segmentBytes prometheus.Counter
	blobBytes    prometheus.Counter
}

func newTracker() *tracker {
	return &tracker{
		connections:  connections.WithLabelValues(),
		headChanges:  headChanges.WithLabelValues(),
		segmentBytes: sentBytes.WithLabelValues("segment"),
		blobBytes:    sentBytes.WithLabelValues("blob"),
	}
}
