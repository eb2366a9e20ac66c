package task

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Registry maps task-type names to their Executables and resolves the typed
// parameter struct for each type, replacing any runtime field lookup with a
// tagged-union model: the type name selects the parameter shape.
type Registry struct {
	mu       sync.RWMutex
	execs    map[string]Executable
	validate *validator.Validate
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		execs:    make(map[string]Executable),
		validate: validator.New(),
	}
}

// Register adds an executable under its task-type name.
// Returns an error if the type name is empty or already taken.
func (r *Registry) Register(e Executable) error {
	if e == nil || e.Type() == "" {
		return fmt.Errorf("executable must declare a task type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.execs[e.Type()]; ok {
		return fmt.Errorf("task type %q already registered", e.Type())
	}
	r.execs[e.Type()] = e
	return nil
}

// Get returns the executable registered for the task type.
func (r *Registry) Get(taskType string) (Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[taskType]
	return e, ok
}

// Types returns the registered task-type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.execs))
	for t := range r.execs {
		types = append(types, t)
	}
	return types
}

// DecodeParams unmarshals raw parameters into the typed struct declared by
// the task type and validates it. Returns ErrUnknownTaskType for an
// unregistered type and ErrInvalidParams for malformed or invalid payloads.
func (r *Registry) DecodeParams(taskType string, raw json.RawMessage) (any, error) {
	e, ok := r.Get(taskType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	params := e.NewParams()
	if params == nil {
		return nil, nil
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := r.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return params, nil
}
