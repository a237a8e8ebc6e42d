package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolEntryValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		entry   PoolEntry
		wantErr string
	}{
		{
			name:  "valid",
			entry: PoolEntry{BookingID: "b-1", EnteredAt: now, Status: PoolStatusPending},
		},
		{
			name:    "missing booking id",
			entry:   PoolEntry{EnteredAt: now, Status: PoolStatusPending},
			wantErr: "booking id is required",
		},
		{
			name:    "missing entered at",
			entry:   PoolEntry{BookingID: "b-1", Status: PoolStatusPending},
			wantErr: "entered at is required",
		},
		{
			name:    "unknown status",
			entry:   PoolEntry{BookingID: "b-1", EnteredAt: now, Status: "limbo"},
			wantErr: "unknown pool status",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.entry.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestPoolEntryReachesDeadlineAfterGeneralThreshold(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	threshold := Threshold{UrgentDays: 3, GeneralDays: 30}
	booking := Booking{ID: "b-1", MeetingType: MeetingTypeGeneral, Start: t0.Add(90 * 24 * time.Hour)}
	entry := NewPoolEntry(booking, t0, threshold)

	require.Equal(t, t0.Add(30*24*time.Hour), entry.DeadlineAt)
	assert.Equal(t, PoolStatusPending, entry.Readiness(t0.Add(24*time.Hour), threshold, 48*time.Hour))
	assert.Equal(t, PoolStatusReady, entry.Readiness(t0.Add(29*24*time.Hour), threshold, 48*time.Hour))
	assert.Equal(t, PoolStatusDeadline, entry.Readiness(t0.Add(30*24*time.Hour), threshold, 48*time.Hour))
}

func TestPoolEntryReadyInsideUrgentWindow(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	threshold := Threshold{UrgentDays: 2, GeneralDays: 30}
	booking := Booking{ID: "b-1", MeetingType: MeetingTypeGeneral, Start: t0.Add(36 * time.Hour)}
	entry := NewPoolEntry(booking, t0, threshold)

	assert.Equal(t, PoolStatusReady, entry.Readiness(t0, threshold, 0))
}

func TestPoolEntryRecordFailureCorruptsAfterBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry := PoolEntry{BookingID: "b-1", EnteredAt: now, Status: PoolStatusProcessing}

	entry.RecordFailure(now, "conflict", "first")
	assert.Equal(t, PoolStatusFailed, entry.Status)
	require.NoError(t, entry.Transition(PoolStatusProcessing, now))

	entry.RecordFailure(now, "conflict", "second")
	assert.Equal(t, PoolStatusFailed, entry.Status)
	require.NoError(t, entry.Transition(PoolStatusProcessing, now))

	entry.RecordFailure(now, "conflict", "third")
	assert.Equal(t, PoolStatusCorrupted, entry.Status)
	assert.Equal(t, 3, entry.ConsecutiveFailures)
	assert.Equal(t, PoolStatusCorrupted, entry.Readiness(now.Add(365*24*time.Hour), Threshold{GeneralDays: 1}, 0))
}

func TestPoolEntryErrorHistoryIsCapped(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry := PoolEntry{BookingID: "b-1", EnteredAt: now}
	for i := 0; i < MaxPoolErrors+5; i++ {
		entry.RecordFailure(now.Add(time.Duration(i)*time.Minute), "lock_timeout", "busy")
	}

	assert.Len(t, entry.Errors, MaxPoolErrors)
	last, ok := entry.LastError()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Duration(MaxPoolErrors+4)*time.Minute), last.At)
}

func TestPoolEntryTransitionRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry := PoolEntry{BookingID: "b-1", EnteredAt: now, Status: PoolStatusDeadline}

	assert.Error(t, entry.Transition(PoolStatusPending, now))
	require.NoError(t, entry.Transition(PoolStatusProcessing, now))

	entry.Status = PoolStatusCorrupted
	assert.Error(t, entry.Transition(PoolStatusProcessing, now))
	assert.NoError(t, entry.Transition(PoolStatusPending, now))
}

func TestParsePoolStatus(t *testing.T) {
	t.Parallel()

	status, err := ParsePoolStatus(" Deadline ")
	require.NoError(t, err)
	assert.Equal(t, PoolStatusDeadline, status)

	_, err = ParsePoolStatus("parked")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "status", validation.Field)
}
