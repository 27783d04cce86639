// SPDX-License-Identifier: AGPL-3.0-or-later
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_CountIncrementsNamedEvent(t *testing.T) {
	c := New()
	c.Count("cb.open")
	c.Count("cb.open")
	c.Count("ratelimit.deny")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.events.WithLabelValues("cb.open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.events.WithLabelValues("ratelimit.deny")))
}

func TestCollector_CountEmailFailedLabelsByErrorType(t *testing.T) {
	c := New()
	c.CountEmailFailed("permanent")
	c.CountEmailFailed("permanent")
	c.CountEmailFailed("retryable")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.emailFailed.WithLabelValues("permanent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.emailFailed.WithLabelValues("retryable")))
}

func TestCollector_ThroughputAndErrorRateReflectSentFailed(t *testing.T) {
	c := New()
	for i := 0; i < 9; i++ {
		c.Count("email.sent")
	}
	c.Count("email.failed")

	assert.Greater(t, testutil.ToFloat64(c.throughput), 0.0)
	rate := testutil.ToFloat64(c.errorRate)
	assert.InDelta(t, 0.1, rate, 0.0001)
}

func TestCollector_GaugesSetDirectly(t *testing.T) {
	c := New()
	c.SetQueueDepth(42)
	c.SetDeadLetterDepth(3)

	assert.Equal(t, float64(42), testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.dlqDepth))
}

func TestCollector_TimerRecordsObservation(t *testing.T) {
	c := New()
	c.Timer("pipeline.process", 0)
	assert.Equal(t, 1, testutil.CollectAndCount(c.timers))
}
