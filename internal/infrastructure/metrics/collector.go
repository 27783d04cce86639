// SPDX-License-Identifier: AGPL-3.0-or-later
// Package metrics implements C9 MetricsCollector: the named counters,
// timers and gauges §4.9 requires, backed by prometheus/client_golang
// (the ecosystem-standard Go metrics client, used the same way by the
// pack's other services: package-level collectors registered once and
// exercised through small named methods rather than exposing the
// prometheus types themselves to callers).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is C9. All counters are funneled through a single CounterVec
// keyed by event name so every collaborator package's onMetric(event string)
// hook (breaker.Config.OnMetric, ratelimit.WithMetrics, the delivery
// pipeline's PipelineMetrics) can report into it without a labeled-metric
// API of its own.
type Collector struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	emailFailed *prometheus.CounterVec
	timers      *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	dlqDepth    prometheus.Gauge
	throughput  prometheus.Gauge
	errorRate   prometheus.Gauge

	mu           sync.Mutex
	sentBuckets  [60]int
	failBuckets  [60]int
	bucketCursor int
	lastBucketAt time.Time
}

// New builds a Collector registered against a fresh prometheus.Registry
// (not the global default, so multiple Collectors can coexist in tests
// without a "duplicate metrics collector registration" panic).
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Count of named pipeline events (email.sent, ratelimit.deny, cb.open, ...).",
		}, []string{"event"}),
		emailFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_email_failed_total",
			Help: "Count of failed email sends by categorized error type.",
		}, []string{"error"}),
		timers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_timer_seconds",
			Help:    "Duration of named pipeline operations (pipeline.process, queue.accept).",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Current number of records waiting in the in-memory delivery queue.",
		}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_dead_letter_depth",
			Help: "Current number of unresolved dead letter records.",
		}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_throughput_per_second",
			Help: "Sliding one-minute average of emails sent per second.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_error_rate",
			Help: "Sliding one-minute ratio of failed sends to attempted sends.",
		}),
		lastBucketAt: time.Now(),
	}
	c.registry.MustRegister(c.events, c.emailFailed, c.timers, c.queueDepth, c.dlqDepth, c.throughput, c.errorRate)
	return c
}

// Registry exposes the underlying prometheus.Registry for an HTTP /metrics
// handler (promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Count increments the named event counter. It is the callback shape every
// collaborator's metrics hook expects (func(event string)), so a Collector
// can be wired in directly: breaker.Config{OnMetric: collector.Count},
// ratelimit.WithMetrics(collector.Count).
func (c *Collector) Count(event string) {
	c.events.WithLabelValues(event).Inc()
	c.rollSentFail(event)
}

// CountEmailFailed records a failed send labeled with its categorized error
// type, the one counter §4.9 names with a label (email.failed{error}).
func (c *Collector) CountEmailFailed(errorType string) {
	c.emailFailed.WithLabelValues(errorType).Inc()
	c.rollSentFail("email.failed")
}

// Timer records how long a named operation took (pipeline.process,
// queue.accept).
func (c *Collector) Timer(name string, d time.Duration) {
	c.timers.WithLabelValues(name).Observe(d.Seconds())
}

// SetQueueDepth reports the delivery pipeline's current in-memory queue
// length.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SetDeadLetterDepth reports the current count of unresolved dead letters.
func (c *Collector) SetDeadLetterDepth(n int) {
	c.dlqDepth.Set(float64(n))
}

// rollSentFail folds email.sent/email.failed events into the one-minute
// sliding buckets that back the throughput and error-rate gauges, advancing
// the bucket cursor by however many whole seconds elapsed since the last
// call (so a quiet period correctly zeroes the buckets it skipped over,
// the same rolling-window idea as breaker.Breaker's ring buffer, applied on
// a wall-clock tick instead of a call count).
func (c *Collector) rollSentFail(event string) {
	if event != "email.sent" && event != "email.failed" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	elapsed := int(now.Sub(c.lastBucketAt).Seconds())
	if elapsed > 0 {
		c.advance(elapsed)
		c.lastBucketAt = now
	}

	if event == "email.sent" {
		c.sentBuckets[c.bucketCursor]++
	} else {
		c.failBuckets[c.bucketCursor]++
	}
	c.recompute()
}

func (c *Collector) advance(seconds int) {
	if seconds > len(c.sentBuckets) {
		seconds = len(c.sentBuckets)
	}
	for i := 0; i < seconds; i++ {
		c.bucketCursor = (c.bucketCursor + 1) % len(c.sentBuckets)
		c.sentBuckets[c.bucketCursor] = 0
		c.failBuckets[c.bucketCursor] = 0
	}
}

func (c *Collector) recompute() {
	var sent, failed int
	for i := range c.sentBuckets {
		sent += c.sentBuckets[i]
		failed += c.failBuckets[i]
	}
	c.throughput.Set(float64(sent) / float64(len(c.sentBuckets)))
	total := sent + failed
	if total > 0 {
		c.errorRate.Set(float64(failed) / float64(total))
	} else {
		c.errorRate.Set(0)
	}
}
