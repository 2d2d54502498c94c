package client

import (
	"context"
	"errors"

	"standby/pkg/faults"
	"standby/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "secondary"

var (
	passes = metrics.NewCounter(
		"passes",
		subsystem,
		"sync passes by outcome",
		[]string{"outcome"},
	)
	fetched = metrics.NewCounter(
		"fetched",
		subsystem,
		"objects fetched from the primary",
		[]string{"kind"},
	)
	fetchedBytes = metrics.NewCounter(
		"fetched_bytes",
		subsystem,
		"payload bytes fetched from the primary",
		[]string{},
	)
	passDuration = metrics.NewHistogramWithBuckets(
		"pass_duration_seconds",
		subsystem,
		"duration of one sync pass",
		[]string{},
		prometheus.ExponentialBuckets(0.001, 2, 18),
	)
)

type tracker struct {
	segments prometheus.Counter
	blobs    prometheus.Counter
	bytes    prometheus.Counter
	duration prometheus.Observer
}

func newTracker() *tracker {
	return &tracker{
		segments: fetched.WithLabelValues("segment"),
		blobs:    fetched.WithLabelValues("blob"),
		bytes:    fetchedBytes.WithLabelValues(),
		duration: passDuration.WithLabelValues(),
	}
}

func (t *tracker) observe(res PassResult, err error) {
	t.segments.Add(float64(res.Segments))
	t.blobs.Add(float64(res.Blobs))
	t.bytes.Add(float64(res.Bytes))
	t.duration.Observe(res.Duration.Seconds())
	passes.WithLabelValues(outcome(res, err)).Inc()
}

func outcome(res PassResult, err error) string {
	switch {
	case err == nil && res.Advanced:
		return "advanced"
	case err == nil:
		return "up_to_date"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, faults.ErrTransport):
		return "transport"
	case errors.Is(err, faults.ErrIntegrity):
		return "integrity"
	case errors.Is(err, faults.ErrNotFound):
		return "not_found"
	case errors.Is(err, faults.ErrProtocol):
		return "protocol"
	default:
		return "error"
	}
}
