package toml

import (
	"context"
	"sync"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/spf13/viper"
)

const (
	interpretersPathKey  = "interpreters.path"
	interpretersFileName = "interpreters.toml"
)

type InterpreterRepository struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.InterpreterDirectory = (*InterpreterRepository)(nil)

func NewInterpreterRepository(cfg *viper.Viper) (*InterpreterRepository, error) {
	path, err := resolvePath(cfg, interpretersPathKey, interpretersFileName)
	if err != nil {
		return nil, err
	}

	return &InterpreterRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *InterpreterRepository) Save(ctx context.Context, interpreter domain.Interpreter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := interpreter.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}

	encoded := toInterpreterSchema(interpreter)
	updated := false
	for i := range file.Interpreters {
		if file.Interpreters[i].ID == encoded.ID {
			file.Interpreters[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Interpreters = append(file.Interpreters, encoded)
	}

	return writeTOMLFile(r.path, file)
}

func (r *InterpreterRepository) GetByID(ctx context.Context, id domain.InterpreterID) (domain.Interpreter, error) {
	if err := ctx.Err(); err != nil {
		return domain.Interpreter{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return domain.Interpreter{}, err
	}

	for _, entry := range file.Interpreters {
		if entry.ID == string(id) {
			return fromInterpreterSchema(entry), nil
		}
	}

	return domain.Interpreter{}, domain.ErrInterpreterNotFound
}

func (r *InterpreterRepository) List(ctx context.Context) ([]domain.Interpreter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	interpreters := make([]domain.Interpreter, 0, len(file.Interpreters))
	for _, entry := range file.Interpreters {
		interpreters = append(interpreters, fromInterpreterSchema(entry))
	}

	return interpreters, nil
}

func (r *InterpreterRepository) readSchema() (interpretersFileSchema, error) {
	var file interpretersFileSchema
	if err := readTOMLFile(r.path, "interpreters", &file); err != nil {
		return interpretersFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return interpretersFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func toInterpreterSchema(interpreter domain.Interpreter) interpreterSchema {
	envs := make([]string, 0, len(interpreter.Environments))
	for _, env := range interpreter.Environments {
		envs = append(envs, string(env))
	}

	return interpreterSchema{
		ID:           string(interpreter.ID),
		Code:         interpreter.Code,
		Name:         interpreter.Name,
		Active:       interpreter.Active,
		Roles:        append([]string{}, interpreter.Roles...),
		Environments: envs,
	}
}

func fromInterpreterSchema(schema interpreterSchema) domain.Interpreter {
	var envs []domain.EnvironmentID
	for _, env := range schema.Environments {
		envs = append(envs, domain.EnvironmentID(env))
	}

	interpreter := domain.Interpreter{
		ID:           domain.InterpreterID(schema.ID),
		Code:         schema.Code,
		Name:         schema.Name,
		Active:       schema.Active,
		Roles:        schema.Roles,
		Environments: envs,
	}
	interpreter.NormalizeEnvironments()
	return interpreter
}
