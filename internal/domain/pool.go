package domain

import (
	"fmt"
	"strings"
	"time"
)

type PoolStatus string

const (
	PoolStatusPending    PoolStatus = "pending"
	PoolStatusReady      PoolStatus = "ready"
	PoolStatusDeadline   PoolStatus = "deadline"
	PoolStatusProcessing PoolStatus = "processing"
	PoolStatusFailed     PoolStatus = "failed"
	PoolStatusCorrupted  PoolStatus = "corrupted"
)

const (
	MaxPoolErrors          = 10
	MaxConsecutiveFailures = 3
)

var poolTransitions = map[PoolStatus][]PoolStatus{
	PoolStatusPending:    {PoolStatusReady, PoolStatusDeadline, PoolStatusProcessing},
	PoolStatusReady:      {PoolStatusPending, PoolStatusDeadline, PoolStatusProcessing},
	PoolStatusDeadline:   {PoolStatusProcessing},
	PoolStatusProcessing: {PoolStatusPending, PoolStatusFailed, PoolStatusCorrupted},
	PoolStatusFailed:     {PoolStatusPending, PoolStatusReady, PoolStatusDeadline, PoolStatusProcessing},
	PoolStatusCorrupted:  {PoolStatusPending},
}

func ParsePoolStatus(raw string) (PoolStatus, error) {
	normalized := PoolStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := poolTransitions[normalized]; !ok {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown pool status %q", raw)}
	}
	return normalized, nil
}

type PoolError struct {
	At      time.Time
	Reason  string
	Message string
}

type PoolEntry struct {
	BookingID           BookingID
	EnvironmentID       EnvironmentID
	MeetingType         MeetingType
	BookingStart        time.Time
	EnteredAt           time.Time
	DeadlineAt          time.Time
	Status              PoolStatus
	LastAttemptAt       time.Time
	Attempts            int
	ConsecutiveFailures int
	Errors              []PoolError
	UpdatedAt           time.Time
}

func NewPoolEntry(booking Booking, now time.Time, threshold Threshold) PoolEntry {
	entry := PoolEntry{
		BookingID:     booking.ID,
		EnvironmentID: booking.EnvironmentID,
		MeetingType:   booking.MeetingType,
		BookingStart:  booking.Start,
		EnteredAt:     now,
		Status:        PoolStatusPending,
		UpdatedAt:     now,
	}
	entry.RecomputeDeadline(threshold)
	return entry
}

func (e PoolEntry) Validate() error {
	if strings.TrimSpace(string(e.BookingID)) == "" {
		return fmt.Errorf("booking id is required")
	}
	if e.EnteredAt.IsZero() {
		return fmt.Errorf("entered at is required")
	}
	if _, ok := poolTransitions[e.Status]; !ok {
		return fmt.Errorf("unknown pool status %q", e.Status)
	}
	return nil
}

func (e *PoolEntry) RecomputeDeadline(threshold Threshold) {
	e.DeadlineAt = e.EnteredAt.Add(time.Duration(threshold.GeneralDays) * 24 * time.Hour)
}

func (e PoolEntry) Terminal() bool {
	return e.Status == PoolStatusCorrupted
}

// Readiness computes the status the entry should hold at now. Processing and
// corrupted entries are left alone.
func (e PoolEntry) Readiness(now time.Time, threshold Threshold, leadTime time.Duration) PoolStatus {
	switch e.Status {
	case PoolStatusProcessing, PoolStatusCorrupted:
		return e.Status
	}
	if !now.Before(e.DeadlineAt) {
		return PoolStatusDeadline
	}
	if !now.Before(e.DeadlineAt.Add(-leadTime)) {
		return PoolStatusReady
	}
	if WithinUrgentWindow(e.BookingStart, now, threshold) {
		return PoolStatusReady
	}
	return PoolStatusPending
}

func (e PoolEntry) CanTransition(to PoolStatus) bool {
	if e.Status == to {
		return true
	}
	for _, allowed := range poolTransitions[e.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (e *PoolEntry) Transition(to PoolStatus, now time.Time) error {
	if !e.CanTransition(to) {
		return fmt.Errorf("pool entry %s: invalid transition %s -> %s", e.BookingID, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// RecordFailure appends to the capped error history. The entry becomes corrupted
// once the consecutive failure budget is spent.
func (e *PoolEntry) RecordFailure(now time.Time, reason, message string) {
	e.Errors = append(e.Errors, PoolError{At: now, Reason: reason, Message: message})
	if len(e.Errors) > MaxPoolErrors {
		e.Errors = e.Errors[len(e.Errors)-MaxPoolErrors:]
	}
	e.ConsecutiveFailures++
	e.LastAttemptAt = now
	e.UpdatedAt = now
	if e.ConsecutiveFailures >= MaxConsecutiveFailures {
		e.Status = PoolStatusCorrupted
		return
	}
	e.Status = PoolStatusFailed
}

func (e PoolEntry) LastError() (PoolError, bool) {
	if len(e.Errors) == 0 {
		return PoolError{}, false
	}
	return e.Errors[len(e.Errors)-1], true
}

// WithinUrgentWindow reports whether start is no more than the urgent threshold away.
func WithinUrgentWindow(start, now time.Time, threshold Threshold) bool {
	return start.Sub(now) <= time.Duration(threshold.UrgentDays)*24*time.Hour
}

type UrgencyLevel string

const (
	UrgencyCritical UrgencyLevel = "critical"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyNormal   UrgencyLevel = "normal"
)

func (e PoolEntry) Urgency(now time.Time, threshold Threshold) UrgencyLevel {
	if e.Status == PoolStatusDeadline || !now.Before(e.DeadlineAt) || WithinUrgentWindow(e.BookingStart, now, threshold) {
		return UrgencyCritical
	}
	if e.BookingStart.Sub(now) <= 7*24*time.Hour {
		return UrgencyHigh
	}
	return UrgencyNormal
}
