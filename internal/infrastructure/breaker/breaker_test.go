// SPDX-License-Identifier: AGPL-3.0-or-later
package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotify/core/internal/domain/models"
)

func testConfig() Config {
	return Config{
		Name:              "test",
		WindowSize:        20,
		MinCalls:          5,
		FailureRateThresh: 0.5,
		SlowCallThresh:    0.8,
		SlowCallDuration:  20 * time.Millisecond,
		OpenCooldown:      50 * time.Millisecond,
		ProbeCount:        2,
	}
}

func TestBreaker_ClosedPassesCallsThrough(t *testing.T) {
	b := New[int](testConfig())
	result, err := b.Execute(func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	b := New[int](testConfig())
	boom := errors.New("boom")

	for i := 0; i < 10; i++ {
		_, _ = b.Execute(func() (int, error) { return 0, boom })
	}

	_, err := b.Execute(func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
}

func TestBreaker_OpensOnSlowCallRate(t *testing.T) {
	cfg := testConfig()
	b := New[int](cfg)

	for i := 0; i < 10; i++ {
		_, _ = b.Execute(func() (int, error) {
			time.Sleep(cfg.SlowCallDuration + 5*time.Millisecond)
			return 0, nil
		})
	}

	_, err := b.Execute(func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
}

func TestBreaker_StaysClosedBelowMinCalls(t *testing.T) {
	b := New[int](testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(func() (int, error) { return 0, boom })
	}

	_, err := b.Execute(func() (int, error) { return 1, nil })
	assert.NoError(t, err)
}

func TestBreaker_ClosesAgainAfterCooldown(t *testing.T) {
	cfg := testConfig()
	b := New[int](cfg)
	boom := errors.New("boom")

	for i := 0; i < 10; i++ {
		_, _ = b.Execute(func() (int, error) { return 0, boom })
	}
	_, err := b.Execute(func() (int, error) { return 0, nil })
	require.ErrorIs(t, err, models.ErrCircuitOpen)

	time.Sleep(cfg.OpenCooldown + 10*time.Millisecond)

	result, err := b.Execute(func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestBreaker_EvaluatesFailureRateOverSlidingWindowNotLifetimeCounts(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 10
	cfg.MinCalls = 5
	cfg.FailureRateThresh = 0.5
	b := New[int](cfg)
	boom := errors.New("boom")

	// A long run of successes before the window is a no-op for ReadyToTrip
	// under the old cumulative-Counts implementation too, but this guards
	// against a regression back to gobreaker.Counts: those calls would
	// otherwise still be sitting in TotalRequests/TotalFailures forever
	// (Interval=0 never resets them), diluting a later failure burst.
	for i := 0; i < 1000; i++ {
		_, _ = b.Execute(func() (int, error) { return 0, nil })
	}

	// Only the last WindowSize outcomes matter: a failure burst should trip
	// the breaker within one window's worth of calls, not get averaged
	// against the 1000 prior successes the way cumulative Counts would.
	for i := 0; i < 9; i++ {
		_, _ = b.Execute(func() (int, error) { return 0, boom })
	}

	_, err := b.Execute(func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
}

func TestBreaker_EmitsMetricsOnStateChange(t *testing.T) {
	cfg := testConfig()
	var events []string
	cfg.OnMetric = func(event string) { events = append(events, event) }
	b := New[int](cfg)
	boom := errors.New("boom")

	for i := 0; i < 10; i++ {
		_, _ = b.Execute(func() (int, error) { return 0, boom })
	}
	_, _ = b.Execute(func() (int, error) { return 0, nil })

	assert.Contains(t, events, "cb.open")
	assert.Contains(t, events, "cb.fallback")
}
