// SPDX-License-Identifier: AGPL-3.0-or-later
package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotify/core/internal/domain/models"
)

type fakePreferenceRepository struct {
	byKey         map[string]*models.NotificationPreference
	shouldFailGet bool
}

func newFakePreferenceRepository() *fakePreferenceRepository {
	return &fakePreferenceRepository{byKey: make(map[string]*models.NotificationPreference)}
}

func prefKey(userID, notifType string) string { return userID + "/" + notifType }

func (f *fakePreferenceRepository) Get(_ context.Context, userID, notifType string) (*models.NotificationPreference, error) {
	if f.shouldFailGet {
		return nil, errors.New("repository get failed")
	}
	p, ok := f.byKey[prefKey(userID, notifType)]
	if !ok {
		return nil, models.ErrPreferenceNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePreferenceRepository) ListForUser(_ context.Context, userID string) ([]*models.NotificationPreference, error) {
	var out []*models.NotificationPreference
	for _, p := range f.byKey {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePreferenceRepository) Upsert(_ context.Context, p *models.NotificationPreference) error {
	cp := *p
	f.byKey[prefKey(p.UserID, p.Type)] = &cp
	return nil
}

type recordedChange struct {
	userID, notifType string
	before, after     *models.NotificationPreference
}

type fakeAuditor struct{ changes []recordedChange }

func (f *fakeAuditor) RecordPreferenceChange(_ context.Context, userID, notifType string, before, after *models.NotificationPreference) {
	f.changes = append(f.changes, recordedChange{userID, notifType, before, after})
}

func TestPreferenceEngine_GetReturnsDefaultWhenAbsent(t *testing.T) {
	repo := newFakePreferenceRepository()
	e := NewPreferenceEngine(repo, nil, nil)

	p, err := e.Get(context.Background(), "u1", "COMMENT")
	require.NoError(t, err)
	assert.True(t, p.EmailEnabled)
	assert.Equal(t, models.FrequencyImmediate, p.Frequency)
}

func TestPreferenceEngine_GetReturnsStored(t *testing.T) {
	repo := newFakePreferenceRepository()
	repo.byKey[prefKey("u1", "COMMENT")] = &models.NotificationPreference{
		UserID: "u1", Type: "COMMENT", EmailEnabled: false, Frequency: models.FrequencyOff,
	}
	e := NewPreferenceEngine(repo, nil, nil)

	p, err := e.Get(context.Background(), "u1", "COMMENT")
	require.NoError(t, err)
	assert.False(t, p.EmailEnabled)
}

func TestPreferenceEngine_UpsertEmitsAuditChange(t *testing.T) {
	repo := newFakePreferenceRepository()
	auditor := &fakeAuditor{}
	e := NewPreferenceEngine(repo, auditor, nil)

	next := &models.NotificationPreference{UserID: "u1", Type: "COMMENT", EmailEnabled: true, Frequency: models.FrequencyImmediate}
	require.NoError(t, e.Upsert(context.Background(), next))

	require.Len(t, auditor.changes, 1)
	assert.Nil(t, auditor.changes[0].before)
	assert.Equal(t, next, auditor.changes[0].after)

	next2 := &models.NotificationPreference{UserID: "u1", Type: "COMMENT", EmailEnabled: false, Frequency: models.FrequencyOff}
	require.NoError(t, e.Upsert(context.Background(), next2))
	require.Len(t, auditor.changes, 2)
	assert.True(t, auditor.changes[1].before.EmailEnabled)
	assert.False(t, auditor.changes[1].after.EmailEnabled)
}

func TestPreferenceEngine_UpsertDefaultsTimezoneToUTC(t *testing.T) {
	repo := newFakePreferenceRepository()
	e := NewPreferenceEngine(repo, nil, nil)

	next := &models.NotificationPreference{UserID: "u1", Type: "COMMENT"}
	require.NoError(t, e.Upsert(context.Background(), next))
	assert.Equal(t, "UTC", repo.byKey[prefKey("u1", "COMMENT")].Timezone)
}

func TestPreferenceEngine_IsEnabled(t *testing.T) {
	tests := []struct {
		name    string
		pref    *models.NotificationPreference
		channel models.Channel
		want    bool
	}{
		{"absent defaults to enabled", nil, models.ChannelEmail, true},
		{"off disables every channel", &models.NotificationPreference{Frequency: models.FrequencyOff, EmailEnabled: true}, models.ChannelEmail, false},
		{"toggle off disables", &models.NotificationPreference{Frequency: models.FrequencyImmediate, EmailEnabled: false}, models.ChannelEmail, false},
		{"toggle on enables", &models.NotificationPreference{Frequency: models.FrequencyImmediate, EmailEnabled: true}, models.ChannelEmail, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakePreferenceRepository()
			if tt.pref != nil {
				tt.pref.UserID, tt.pref.Type = "u1", "COMMENT"
				repo.byKey[prefKey("u1", "COMMENT")] = tt.pref
			}
			e := NewPreferenceEngine(repo, nil, nil)
			got, err := e.IsEnabled(context.Background(), "u1", "COMMENT", tt.channel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreferenceEngine_InQuietHours_WrapsAcrossMidnight(t *testing.T) {
	start, end := "22:00", "07:00"
	repo := newFakePreferenceRepository()
	repo.byKey[prefKey("u1", "COMMENT")] = &models.NotificationPreference{
		UserID: "u1", Type: "COMMENT", QuietHoursStart: &start, QuietHoursEnd: &end,
	}
	e := NewPreferenceEngine(repo, nil, nil)

	tests := []struct {
		name string
		hm   string
		want bool
	}{
		{"before window", "21:59", false},
		{"exactly at start", "22:00", true},
		{"late night", "23:30", true},
		{"just before midnight rollover", "23:59", true},
		{"just after midnight", "00:01", true},
		{"exactly at end", "07:00", false},
		{"well within day", "12:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h, m int
			_, err := fmt.Sscanf(tt.hm, "%d:%d", &h, &m)
			require.NoError(t, err)
			local := time.Date(2026, 1, 1, h, m, 0, 0, time.UTC)
			got, err := e.InQuietHours(context.Background(), "u1", "COMMENT", local)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreferenceEngine_InQuietHours_NoWindowConfigured(t *testing.T) {
	repo := newFakePreferenceRepository()
	repo.byKey[prefKey("u1", "COMMENT")] = &models.NotificationPreference{UserID: "u1", Type: "COMMENT"}
	e := NewPreferenceEngine(repo, nil, nil)

	got, err := e.InQuietHours(context.Background(), "u1", "COMMENT", time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestPreferenceEngine_NextQuietHoursEnd(t *testing.T) {
	start, end := "22:00", "07:00"
	repo := newFakePreferenceRepository()
	repo.byKey[prefKey("u1", "COMMENT")] = &models.NotificationPreference{
		UserID: "u1", Type: "COMMENT", QuietHoursStart: &start, QuietHoursEnd: &end,
	}
	e := NewPreferenceEngine(repo, nil, nil)

	from := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	next, err := e.NextQuietHoursEnd(context.Background(), "u1", "COMMENT", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC), next)
}

func TestPreferenceEngine_Defaults_SkipsAlreadySeededTypes(t *testing.T) {
	repo := newFakePreferenceRepository()
	repo.byKey[prefKey("u1", "MARKETING")] = &models.NotificationPreference{
		UserID: "u1", Type: "MARKETING", EmailEnabled: true, Frequency: models.FrequencyImmediate,
	}
	defaults := []TypeDefault{
		{Type: "MARKETING", EmailEnabled: false, InAppEnabled: true, Frequency: models.FrequencyImmediate},
		{Type: "WEEKLY_SUMMARY", EmailEnabled: true, InAppEnabled: true, Frequency: models.FrequencyWeeklyDigest},
	}
	e := NewPreferenceEngine(repo, nil, defaults)

	require.NoError(t, e.Defaults(context.Background(), "u1"))

	assert.True(t, repo.byKey[prefKey("u1", "MARKETING")].EmailEnabled, "existing preference must not be overwritten")
	assert.Equal(t, models.FrequencyWeeklyDigest, repo.byKey[prefKey("u1", "WEEKLY_SUMMARY")].Frequency)
}

func TestPreferenceEngine_Defaults_IsIdempotent(t *testing.T) {
	repo := newFakePreferenceRepository()
	defaults := []TypeDefault{{Type: "MARKETING", Frequency: models.FrequencyOff}}
	e := NewPreferenceEngine(repo, nil, defaults)

	require.NoError(t, e.Defaults(context.Background(), "u1"))
	require.NoError(t, e.Defaults(context.Background(), "u1"))
	assert.Len(t, repo.byKey, 1)
}

func TestPreferenceEngine_PropagatesRepositoryErrors(t *testing.T) {
	repo := newFakePreferenceRepository()
	repo.shouldFailGet = true
	e := NewPreferenceEngine(repo, nil, nil)

	_, err := e.Get(context.Background(), "u1", "COMMENT")
	assert.Error(t, err)
}
