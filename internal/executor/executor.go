// Package executor holds the per-role task handlers and the dispatch table
// the runner resolves them from.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/basket/leadops/internal/roles"
)

// Result is an executor outcome. Expected business failures come back as
// Success=false with Error set; executors do not panic for them.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Ok wraps data as a successful Result. Marshal failures turn into a
// failed Result.
func Ok(data any) Result {
	if data == nil {
		return Result{Success: true}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Failf("encode result: %v", err)
	}
	return Result{Success: true, Data: b}
}

// Failf returns a failed Result with a formatted message.
func Failf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Executor performs the work of one role.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) Result
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, input json.RawMessage) Result

func (f Func) Execute(ctx context.Context, input json.RawMessage) Result {
	return f(ctx, input)
}

// Registry is the static role -> executor table built at startup. It is
// read-only after construction.
type Registry struct {
	byRole map[roles.Role]Executor
}

// NewRegistry builds a Registry from entries. Non-task roles are rejected.
func NewRegistry(entries map[roles.Role]Executor) (*Registry, error) {
	r := &Registry{byRole: make(map[roles.Role]Executor, len(entries))}
	for role, ex := range entries {
		if !role.IsTaskRole() {
			return nil, fmt.Errorf("executor registered for non-task role %q", role)
		}
		if ex == nil {
			continue
		}
		r.byRole[role] = ex
	}
	return r, nil
}

// Lookup returns the executor for role.
func (r *Registry) Lookup(role roles.Role) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	ex, ok := r.byRole[role]
	return ex, ok
}

// Missing lists task roles with no executor, in runner order.
func (r *Registry) Missing() []roles.Role {
	var out []roles.Role
	for _, role := range roles.All() {
		if _, ok := r.Lookup(role); !ok {
			out = append(out, role)
		}
	}
	return out
}

// Roles lists the registered roles in runner order.
func (r *Registry) Roles() []roles.Role {
	out := roles.All()
	return slices.DeleteFunc(out, func(role roles.Role) bool {
		_, ok := r.Lookup(role)
		return !ok
	})
}
