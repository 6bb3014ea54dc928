// Package observe holds the OpenTelemetry metric instruments recorded by the
// studio. Tests should build a Metrics with NewMetrics and their own
// MeterProvider to avoid sharing state.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly"

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// SynthesisDuration tracks backend round-trip latency in seconds.
	SynthesisDuration metric.Float64Histogram

	// SynthesisRequests counts backend calls. Attributes: shape, status.
	SynthesisRequests metric.Int64Counter

	// ValidationFailures counts requests rejected before any network I/O.
	// Attribute: kind.
	ValidationFailures metric.Int64Counter

	// StaleEvents counts element events discarded because their resource
	// had already been replaced.
	StaleEvents metric.Int64Counter

	// LiveBlobs is the number of locally created resources not yet revoked.
	LiveBlobs metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("polly.synthesis.duration",
		metric.WithDescription("Latency of synthesis backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisRequests, err = m.Int64Counter("polly.synthesis.requests",
		metric.WithDescription("Synthesis backend calls by shape and status."),
	); err != nil {
		return nil, err
	}
	if met.ValidationFailures, err = m.Int64Counter("polly.validation.failures",
		metric.WithDescription("Synthesis requests rejected locally, by kind."),
	); err != nil {
		return nil, err
	}
	if met.StaleEvents, err = m.Int64Counter("polly.playback.stale_events",
		metric.WithDescription("Media element events ignored because their resource was replaced."),
	); err != nil {
		return nil, err
	}
	if met.LiveBlobs, err = m.Int64UpDownCounter("polly.blobs.live",
		metric.WithDescription("Locally created audio resources not yet released."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a Metrics bound to the global MeterProvider,
// created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSynthesis records one backend call outcome and its latency.
func (m *Metrics) RecordSynthesis(ctx context.Context, shape, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("shape", shape),
		attribute.String("status", status),
	)
	m.SynthesisRequests.Add(ctx, 1, attrs)
	m.SynthesisDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordValidationFailure(ctx context.Context, kind string) {
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordStaleEvent(ctx context.Context, kind string) {
	m.StaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind)))
}

// BlobDelta adapts LiveBlobs to media.BlobStore.OnLiveChange.
func (m *Metrics) BlobDelta(delta int64) {
	m.LiveBlobs.Add(context.Background(), delta)
}
