package domain

import (
	"fmt"
	"strings"
	"time"
)

type BookingID string
type EnvironmentID string
type BookingStatus string
type MeetingType string
type DRType string

const (
	BookingStatusWaiting   BookingStatus = "waiting"
	BookingStatusApproved  BookingStatus = "approved"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

const (
	MeetingTypeDR        MeetingType = "DR"
	MeetingTypeVIP       MeetingType = "VIP"
	MeetingTypeWeekly    MeetingType = "WEEKLY"
	MeetingTypeGeneral   MeetingType = "GENERAL"
	MeetingTypeUrgent    MeetingType = "URGENT"
	MeetingTypePresident MeetingType = "PRESIDENT"
	MeetingTypeOther     MeetingType = "OTHER"
)

const (
	DRTypeI     DRType = "DR_I"
	DRTypeII    DRType = "DR_II"
	DRTypeK     DRType = "DR_K"
	DRTypePR    DRType = "DR_PR"
	DRTypeOther DRType = "DR_OTHER"
)

var meetingTypes = []MeetingType{
	MeetingTypeDR,
	MeetingTypeVIP,
	MeetingTypeWeekly,
	MeetingTypeGeneral,
	MeetingTypeUrgent,
	MeetingTypePresident,
	MeetingTypeOther,
}

// MeetingTypes lists every supported meeting type in display order.
func MeetingTypes() []MeetingType {
	out := make([]MeetingType, len(meetingTypes))
	copy(out, meetingTypes)
	return out
}

func ParseMeetingType(raw string) (MeetingType, error) {
	normalized := MeetingType(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range meetingTypes {
		if known == normalized {
			return known, nil
		}
	}
	return "", &ValidationError{Field: "meeting_type", Message: fmt.Sprintf("unknown meeting type %q", raw)}
}

func (t MeetingType) Valid() bool {
	_, err := ParseMeetingType(string(t))
	return err == nil
}

func (t MeetingType) IsDR() bool {
	return t == MeetingTypeDR
}

func ParseDRType(raw string) (DRType, error) {
	normalized := DRType(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case DRTypeI, DRTypeII, DRTypeK, DRTypePR, DRTypeOther:
		return normalized, nil
	default:
		return "", &ValidationError{Field: "dr_type", Message: fmt.Sprintf("unknown DR type %q", raw)}
	}
}

func ParseBookingStatus(raw string) (BookingStatus, error) {
	normalized := BookingStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case BookingStatusWaiting, BookingStatusApproved, BookingStatusCancelled, BookingStatusCompleted:
		return normalized, nil
	default:
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown booking status %q", raw)}
	}
}

type Booking struct {
	ID               BookingID
	Title            string
	OwnerID          string
	Start            time.Time
	End              time.Time
	MeetingType      MeetingType
	DRType           DRType
	Status           BookingStatus
	InterpreterID    InterpreterID
	EnvironmentID    EnvironmentID
	ForwardTargets   []EnvironmentID
	CriticalCoverage bool
	Version          uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (b Booking) Validate() error {
	if strings.TrimSpace(string(b.ID)) == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if b.Start.IsZero() || b.End.IsZero() {
		return &ValidationError{Field: "window", Message: "start and end are required"}
	}
	if !b.End.After(b.Start) {
		return &ValidationError{Field: "window", Message: "end must be after start"}
	}
	if !b.MeetingType.Valid() {
		return &ValidationError{Field: "meeting_type", Message: fmt.Sprintf("unknown meeting type %q", b.MeetingType)}
	}
	if b.MeetingType.IsDR() && b.DRType != "" {
		if _, err := ParseDRType(string(b.DRType)); err != nil {
			return err
		}
	}
	if !b.MeetingType.IsDR() && b.DRType != "" {
		return &ValidationError{Field: "dr_type", Message: "dr type is only valid for DR meetings"}
	}
	if _, err := ParseBookingStatus(string(b.Status)); err != nil {
		return err
	}

	return nil
}

func (b Booking) Cancelled() bool {
	return b.Status == BookingStatusCancelled
}

// Assignable reports whether the booking still needs an interpreter.
func (b Booking) Assignable() bool {
	return b.Status == BookingStatusWaiting && b.InterpreterID == ""
}

func (b Booking) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// Environments returns the home environment followed by forward targets, deduplicated.
func (b Booking) Environments() []EnvironmentID {
	out := make([]EnvironmentID, 0, 1+len(b.ForwardTargets))
	seen := make(map[EnvironmentID]struct{}, 1+len(b.ForwardTargets))
	for _, env := range append([]EnvironmentID{b.EnvironmentID}, b.ForwardTargets...) {
		trimmed := EnvironmentID(strings.TrimSpace(string(env)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// Overlaps uses the exclusive rule: touching windows do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// OverlapDuration returns zero when the windows do not overlap.
func OverlapDuration(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	if !Overlaps(aStart, aEnd, bStart, bEnd) {
		return 0
	}
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	return end.Sub(start)
}

type ConflictResult struct {
	BookingID      BookingID
	InterpreterID  InterpreterID
	Start          time.Time
	End            time.Time
	OverlapMinutes float64
}
