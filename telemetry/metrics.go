// Package telemetry provides metrics recording for the cache: OpenTelemetry
// instruments exported through a private Prometheus registry, plus an
// internal snapshot used for the statistics surface.
package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.43.0"
)

const meterName = "github.com/wolfeidau/extract-cache"

// Snapshot is a point-in-time view of the request counters.
type Snapshot struct {
	TotalRequests     int64
	CacheHits         int64
	CacheMisses       int64
	BloomFilterHits   int64
	DedupeHits        int64
	HitRate           float64
	AvgResponseTimeMS float64
	MinResponseTimeMS float64
	MaxResponseTimeMS float64
	Errors            map[string]int64
	UptimeSeconds     float64
}

// Metrics holds the cache metric instruments. All methods are safe for
// concurrent use.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	hitsTotal       metric.Int64Counter
	missesTotal     metric.Int64Counter
	bloomHitsTotal  metric.Int64Counter
	dedupeHitsTotal metric.Int64Counter
	errorsTotal     metric.Int64Counter
	requestDuration metric.Float64Histogram

	startedAt  time.Time
	requests   atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	bloomHits  atomic.Int64
	dedupeHits atomic.Int64

	durMu    sync.Mutex
	durTotal time.Duration
	durMin   time.Duration
	durMax   time.Duration
	durCount int64

	errMu  sync.Mutex
	errors map[string]int64

	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
}

// New creates the metric instruments backed by a private Prometheus
// registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("extract-cache"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		startedAt: time.Now(),
		errors:    make(map[string]int64),
		registry:  registry,
		provider:  provider,
	}
	if err := m.initInstruments(provider.Meter(meterName)); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initInstruments(meter metric.Meter) error {
	var err error

	if m.requestsTotal, err = meter.Int64Counter("cache_requests_total",
		metric.WithDescription("Total cache requests")); err != nil {
		return err
	}
	if m.hitsTotal, err = meter.Int64Counter("cache_hits_total",
		metric.WithDescription("Requests served from cache")); err != nil {
		return err
	}
	if m.missesTotal, err = meter.Int64Counter("cache_misses_total",
		metric.WithDescription("Requests that required processing")); err != nil {
		return err
	}
	if m.bloomHitsTotal, err = meter.Int64Counter("cache_bloom_filter_hits_total",
		metric.WithDescription("Missing files rejected via the negative-existence filter")); err != nil {
		return err
	}
	if m.dedupeHitsTotal, err = meter.Int64Counter("cache_dedupe_hits_total",
		metric.WithDescription("Misses resolved by content-hash deduplication")); err != nil {
		return err
	}
	if m.errorsTotal, err = meter.Int64Counter("cache_errors_total",
		metric.WithDescription("Errors surfaced to callers, by kind")); err != nil {
		return err
	}
	if m.requestDuration, err = meter.Float64Histogram("cache_request_duration_seconds",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(ctx context.Context, hit bool, d time.Duration) {
	m.requestsTotal.Add(ctx, 1)
	m.requestDuration.Record(ctx, d.Seconds())
	m.requests.Add(1)

	if hit {
		m.hitsTotal.Add(ctx, 1)
		m.hits.Add(1)
	} else {
		m.missesTotal.Add(ctx, 1)
		m.misses.Add(1)
	}

	m.durMu.Lock()
	m.durTotal += d
	m.durCount++
	if m.durCount == 1 || d < m.durMin {
		m.durMin = d
	}
	if d > m.durMax {
		m.durMax = d
	}
	m.durMu.Unlock()
}

// RecordBloomHit records a negative-filter fast reject.
func (m *Metrics) RecordBloomHit(ctx context.Context) {
	m.bloomHitsTotal.Add(ctx, 1)
	m.bloomHits.Add(1)
}

// RecordDedupeHit records a miss resolved by content-hash reuse.
func (m *Metrics) RecordDedupeHit(ctx context.Context) {
	m.dedupeHitsTotal.Add(ctx, 1)
	m.dedupeHits.Add(1)
}

// RecordError records a surfaced error by kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))

	m.errMu.Lock()
	m.errors[kind]++
	m.errMu.Unlock()
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests:   m.requests.Load(),
		CacheHits:       m.hits.Load(),
		CacheMisses:     m.misses.Load(),
		BloomFilterHits: m.bloomHits.Load(),
		DedupeHits:      m.dedupeHits.Load(),
		Errors:          make(map[string]int64),
		UptimeSeconds:   time.Since(m.startedAt).Seconds(),
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.CacheHits) / float64(s.TotalRequests)
	}

	m.durMu.Lock()
	if m.durCount > 0 {
		s.AvgResponseTimeMS = float64(m.durTotal.Milliseconds()) / float64(m.durCount)
		s.MinResponseTimeMS = float64(m.durMin) / float64(time.Millisecond)
		s.MaxResponseTimeMS = float64(m.durMax) / float64(time.Millisecond)
	}
	m.durMu.Unlock()

	m.errMu.Lock()
	for k, v := range m.errors {
		s.Errors[k] = v
	}
	m.errMu.Unlock()

	return s
}

// Prometheus renders the registry in the standard text exposition format.
func (m *Metrics) Prometheus() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return "", fmt.Errorf("encoding metrics: %w", err)
		}
	}
	return buf.String(), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
