// SPDX-License-Identifier: AGPL-3.0-or-later
package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotify/core/internal/domain/models"
)

func testLimits() Limits {
	return Limits{Read: 100, Write: 50, Admin: 20, Public: 20}
}

func TestLimiter_AllowsWithinLimit(t *testing.T) {
	l := New(NewMemoryStore(), time.Minute, testLimits(), 3, 5*time.Minute, 5*time.Minute)

	for i := 0; i < 5; i++ {
		d := l.Allow("user-1", models.ClassWrite)
		assert.True(t, d.Allowed)
	}
}

func TestLimiter_DeniesOverLimit(t *testing.T) {
	limits := Limits{Read: 100, Write: 2, Admin: 20, Public: 20}
	l := New(NewMemoryStore(), time.Minute, limits, 10, 5*time.Minute, 5*time.Minute)

	assert.True(t, l.Allow("user-1", models.ClassWrite).Allowed)
	assert.True(t, l.Allow("user-1", models.ClassWrite).Allowed)
	d := l.Allow("user-1", models.ClassWrite)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiter_ClassesAreIndependent(t *testing.T) {
	limits := Limits{Read: 100, Write: 1, Admin: 20, Public: 20}
	l := New(NewMemoryStore(), time.Minute, limits, 10, 5*time.Minute, 5*time.Minute)

	assert.True(t, l.Allow("user-1", models.ClassWrite).Allowed)
	assert.False(t, l.Allow("user-1", models.ClassWrite).Allowed)
	assert.True(t, l.Allow("user-1", models.ClassRead).Allowed)
}

func TestLimiter_BlocksAfterConsecutiveViolations(t *testing.T) {
	limits := Limits{Read: 100, Write: 1, Admin: 20, Public: 20}
	l := New(NewMemoryStore(), time.Minute, limits, 3, 5*time.Minute, 5*time.Minute)

	require.True(t, l.Allow("user-1", models.ClassWrite).Allowed)
	for i := 0; i < 3; i++ {
		l.Allow("user-1", models.ClassWrite)
	}

	d := l.Allow("user-1", models.ClassWrite)
	assert.False(t, d.Allowed)
	assert.True(t, d.Blocked)
}

func TestLimiter_BlockDeniesAllClasses(t *testing.T) {
	limits := Limits{Read: 1, Write: 1, Admin: 1, Public: 1}
	l := New(NewMemoryStore(), time.Minute, limits, 1, 5*time.Minute, 5*time.Minute)

	l.Allow("user-1", models.ClassWrite)
	d := l.Allow("user-1", models.ClassWrite)
	require.False(t, d.Allowed)
	require.True(t, d.Blocked)

	readDecision := l.Allow("user-1", models.ClassRead)
	assert.False(t, readDecision.Allowed)
	assert.True(t, readDecision.Blocked)
}

func TestLimiter_Reset(t *testing.T) {
	limits := Limits{Read: 100, Write: 1, Admin: 20, Public: 20}
	l := New(NewMemoryStore(), time.Minute, limits, 10, 5*time.Minute, 5*time.Minute)

	l.Allow("user-1", models.ClassWrite)
	require.False(t, l.Allow("user-1", models.ClassWrite).Allowed)

	require.NoError(t, l.Reset("user-1"))
	assert.True(t, l.Allow("user-1", models.ClassWrite).Allowed)
}

type erroringStore struct{}

func (erroringStore) Increment(identity string, class models.OperationClass, windowIndex int64) (int, error) {
	return 0, errors.New("store unreachable")
}
func (erroringStore) Violation(identity string, now time.Time, violationWindow time.Duration) (int, error) {
	return 0, errors.New("store unreachable")
}
func (erroringStore) ClearViolations(identity string) error { return nil }
func (erroringStore) Block(identity string, until time.Time) error { return nil }
func (erroringStore) BlockedUntil(identity string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("store unreachable")
}
func (erroringStore) Reset(identity string) error { return nil }

func TestLimiter_FailsOpenWhenStoreUnreachable(t *testing.T) {
	l := New(erroringStore{}, time.Minute, testLimits(), 3, 5*time.Minute, 5*time.Minute)
	d := l.Allow("user-1", models.ClassWrite)
	assert.True(t, d.Allowed)
}

func TestLimiter_MetricsCallbackFires(t *testing.T) {
	var events []string
	l := New(NewMemoryStore(), time.Minute, Limits{Read: 1, Write: 1, Admin: 1, Public: 1}, 10, 5*time.Minute, 5*time.Minute,
		WithMetrics(func(event string) { events = append(events, event) }))

	l.Allow("user-1", models.ClassWrite)
	l.Allow("user-1", models.ClassWrite)

	assert.Contains(t, events, "ratelimit.allow")
	assert.Contains(t, events, "ratelimit.deny")
}
