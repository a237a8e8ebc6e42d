package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrBookingNotFound      = errors.New("booking not found")
	ErrInterpreterNotFound  = errors.New("interpreter not found")
	ErrPoolEntryNotFound    = errors.New("pool entry not found")
	ErrPolicyNotFound       = errors.New("policy not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrLockTimeout          = errors.New("lock acquisition timed out")
	ErrNoCandidate          = errors.New("no eligible interpreter")
	ErrBookingNotAssignable = errors.New("booking is not assignable")
)

// ValidationError rejects a request before any mutation happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every failed check of a policy write.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, item := range e {
		parts = append(parts, item.Error())
	}
	return strings.Join(parts, "; ")
}

type PolicyLockedError struct {
	Mode  PolicyMode
	Field string
}

func (e *PolicyLockedError) Error() string {
	return fmt.Sprintf("policy field %s is locked in %s mode; switch to %s to edit it", e.Field, e.Mode, PolicyModeCustom)
}

type ConflictError struct {
	InterpreterID InterpreterID
	BookingID     BookingID
	Conflicts     []ConflictResult
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, string(c.BookingID))
	}
	return fmt.Sprintf("interpreter %s has %d conflicting booking(s) for %s: %s", e.InterpreterID, len(e.Conflicts), e.BookingID, strings.Join(ids, ", "))
}

type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired within %s", e.Key, e.Timeout)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

type VersionConflictError struct {
	BookingID BookingID
	Expected  uint64
	Actual    uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("booking %s changed concurrently (expected version %d, found %d)", e.BookingID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

type CorruptedEntryError struct {
	BookingID BookingID
	Failures  int
}

func (e *CorruptedEntryError) Error() string {
	return fmt.Sprintf("pool entry %s is corrupted after %d consecutive failures; manual intervention required", e.BookingID, e.Failures)
}

// IsRetryable reports whether a later attempt may succeed without operator action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrVersionConflict)
}

// Reason maps an error to the short code stored in the audit trail.
func Reason(err error) string {
	var (
		conflict  *ConflictError
		locked    *PolicyLockedError
		corrupted *CorruptedEntryError
		invalid   *ValidationError
		invalids  ValidationErrors
		notFound  *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return "conflict"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.As(err, &corrupted):
		return "corrupted"
	case errors.As(err, &locked):
		return "policy_locked"
	case errors.As(err, &invalid), errors.As(err, &invalids):
		return "validation"
	case errors.As(err, &notFound), errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrInterpreterNotFound),
		errors.Is(err, ErrPoolEntryNotFound), errors.Is(err, ErrPolicyNotFound):
		return "not_found"
	case errors.Is(err, ErrNoCandidate):
		return "no_candidate"
	case errors.Is(err, ErrBookingNotAssignable):
		return "not_assignable"
	default:
		return "internal"
	}
}
