package worker

import (
	"context"

	"github.com/atulyaai/tantra/internal/model"
)

// ExecuteFunc performs the work for a task snapshot.
type ExecuteFunc func(ctx context.Context, t model.Task) (map[string]any, error)

// Func adapts a plain function into a Worker.
type Func struct {
	*Base
	fn ExecuteFunc
}

// Compile-time interface satisfaction check.
var _ Worker = (*Func)(nil)

// NewFunc creates a worker that runs fn for every task.
func NewFunc(cfg Config, fn ExecuteFunc) *Func {
	return &Func{Base: NewBase(cfg), fn: fn}
}

// Execute calls the wrapped function.
func (f *Func) Execute(ctx context.Context, t model.Task) (map[string]any, error) {
	return f.fn(ctx, t)
}
