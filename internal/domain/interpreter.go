package domain

import (
	"fmt"
	"strings"
)

type InterpreterID string

const RoleInterpreter = "interpreter"

type Interpreter struct {
	ID           InterpreterID
	Code         string
	Name         string
	Active       bool
	Roles        []string
	Environments []EnvironmentID
}

func (i Interpreter) Validate() error {
	if strings.TrimSpace(string(i.ID)) == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (i Interpreter) HasRole(role string) bool {
	for _, r := range i.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

func (i Interpreter) InEnvironment(env EnvironmentID) bool {
	for _, member := range i.Environments {
		if member == env {
			return true
		}
	}
	return false
}

// InAnyEnvironment treats an empty list as "no scoping".
func (i Interpreter) InAnyEnvironment(envs []EnvironmentID) bool {
	if len(envs) == 0 {
		return true
	}
	for _, env := range envs {
		if i.InEnvironment(env) {
			return true
		}
	}
	return false
}

// SortKey is the deterministic tie-break key.
func (i Interpreter) SortKey() string {
	if strings.TrimSpace(i.Code) != "" {
		return i.Code
	}
	return string(i.ID)
}

func (i *Interpreter) NormalizeEnvironments() {
	if i == nil {
		return
	}

	envs := make([]EnvironmentID, 0, len(i.Environments))
	seen := make(map[EnvironmentID]struct{}, len(i.Environments))
	for _, env := range i.Environments {
		trimmed := EnvironmentID(strings.TrimSpace(string(env)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		envs = append(envs, trimmed)
	}

	i.Environments = envs
}
