package toml

import "fmt"

const (
	currentBookingsSchemaVersion     = 1
	currentInterpretersSchemaVersion = 1
)

type bookingsFileSchema struct {
	Version  int             `toml:"version"`
	Bookings []bookingSchema `toml:"bookings"`
}

func (s *bookingsFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentBookingsSchemaVersion
	}
}

func (s bookingsFileSchema) validateVersion() error {
	if s.Version > currentBookingsSchemaVersion {
		return fmt.Errorf("unsupported bookings schema version %d (current %d)", s.Version, currentBookingsSchemaVersion)
	}

	return nil
}

type bookingSchema struct {
	ID               string   `toml:"id"`
	Title            string   `toml:"title,omitempty"`
	OwnerID          string   `toml:"owner_id,omitempty"`
	Start            string   `toml:"start"`
	End              string   `toml:"end"`
	MeetingType      string   `toml:"meeting_type"`
	DRType           string   `toml:"dr_type,omitempty"`
	Status           string   `toml:"status"`
	InterpreterID    string   `toml:"interpreter_id,omitempty"`
	EnvironmentID    string   `toml:"environment_id,omitempty"`
	ForwardTargets   []string `toml:"forward_targets,omitempty"`
	CriticalCoverage bool     `toml:"critical_coverage,omitempty"`
	Version          uint64   `toml:"version"`
	CreatedAt        string   `toml:"created_at,omitempty"`
	UpdatedAt        string   `toml:"updated_at,omitempty"`
}

type interpretersFileSchema struct {
	Version      int                 `toml:"version"`
	Interpreters []interpreterSchema `toml:"interpreters"`
}

func (s *interpretersFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentInterpretersSchemaVersion
	}
}

func (s interpretersFileSchema) validateVersion() error {
	if s.Version > currentInterpretersSchemaVersion {
		return fmt.Errorf("unsupported interpreters schema version %d (current %d)", s.Version, currentInterpretersSchemaVersion)
	}

	return nil
}

type interpreterSchema struct {
	ID           string   `toml:"id"`
	Code         string   `toml:"code,omitempty"`
	Name         string   `toml:"name,omitempty"`
	Active       bool     `toml:"active"`
	Roles        []string `toml:"roles"`
	Environments []string `toml:"environments,omitempty"`
}
