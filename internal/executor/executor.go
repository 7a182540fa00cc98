package executor

import (
	"context"
	"fmt"

	"github.com/reagent-systems/orc/internal/domain"
)

// Executor performs the actual work of a task and returns a result or an
// error. What happens inside is domain plumbing the coordination engine
// does not prescribe.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (string, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task domain.Task) (string, error)

func (f Func) Execute(ctx context.Context, task domain.Task) (string, error) {
	return f(ctx, task)
}

// Registry routes tasks to executors by task type, with an optional
// fallback for unregistered types.
type Registry struct {
	executors map[string]Executor
	fallback  Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(taskType string, e Executor) {
	r.executors[taskType] = e
}

func (r *Registry) SetFallback(e Executor) {
	r.fallback = e
}

func (r *Registry) Execute(ctx context.Context, task domain.Task) (string, error) {
	if e, ok := r.executors[task.Type]; ok {
		return e.Execute(ctx, task)
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, task)
	}
	return "", fmt.Errorf("no executor registered for task type %q", task.Type)
}

// Echo acknowledges a task without doing real work. Useful for smoke
// tests and as a fallback in development workspaces.
func Echo() Executor {
	return Func(func(_ context.Context, task domain.Task) (string, error) {
		return fmt.Sprintf("acknowledged: %s", task.Description), nil
	})
}
