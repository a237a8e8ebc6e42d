package toml

import "fmt"

const currentPoolSchemaVersion = 1

type poolFileSchema struct {
	Version int               `toml:"version"`
	Entries []poolEntrySchema `toml:"entries"`
}

func (s *poolFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentPoolSchemaVersion
	}
}

func (s poolFileSchema) validateVersion() error {
	if s.Version > currentPoolSchemaVersion {
		return fmt.Errorf("unsupported pool schema version %d (current %d)", s.Version, currentPoolSchemaVersion)
	}

	return nil
}

type poolEntrySchema struct {
	BookingID           string            `toml:"booking_id"`
	EnvironmentID       string            `toml:"environment_id,omitempty"`
	MeetingType         string            `toml:"meeting_type"`
	BookingStart        string            `toml:"booking_start"`
	EnteredAt           string            `toml:"entered_at"`
	DeadlineAt          string            `toml:"deadline_at"`
	Status              string            `toml:"status"`
	LastAttemptAt       string            `toml:"last_attempt_at,omitempty"`
	Attempts            int               `toml:"attempts"`
	ConsecutiveFailures int               `toml:"consecutive_failures"`
	Errors              []poolErrorSchema `toml:"errors,omitempty"`
	UpdatedAt           string            `toml:"updated_at,omitempty"`
}

type poolErrorSchema struct {
	At      string `toml:"at"`
	Reason  string `toml:"reason"`
	Message string `toml:"message,omitempty"`
}
