package ports

import (
	"context"

	"github.com/bnema/interpreter-scheduler/internal/domain"
)

// PolicyState is the persisted policy document.
type PolicyState struct {
	Version      uint64
	Global       domain.AssignmentPolicy
	Environments map[domain.EnvironmentID]domain.PolicyOverride
}

type PolicyRepository interface {
	Load(ctx context.Context) (PolicyState, error)
	Save(ctx context.Context, state PolicyState) error
}
