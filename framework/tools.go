package framework

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrExecutorNotFound is returned when no worker is registered for an
// executor id.
var ErrExecutorNotFound = errors.New("executor_not_found")

// Worker performs the action behind a capability. The result may be a raw
// value or an envelope-shaped value; the engine normalizes it.
type Worker interface {
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, params map[string]any) (any, error)

// Invoke implements Worker.
func (f WorkerFunc) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// Capability is a parsed executor reference: namespace/module.action.
type Capability struct {
	Namespace string
	Module    string
	Action    string
}

// ParseCapability splits an executor id. The action is optional.
func ParseCapability(executor string) (Capability, error) {
	executor = strings.TrimSpace(executor)
	ns, rest, ok := strings.Cut(executor, "/")
	if !ok || ns == "" || rest == "" {
		return Capability{}, fmt.Errorf("invalid executor %q: want namespace/module.action", executor)
	}
	module, action, _ := strings.Cut(rest, ".")
	if module == "" {
		return Capability{}, fmt.Errorf("invalid executor %q: missing module", executor)
	}
	return Capability{Namespace: ns, Module: module, Action: action}, nil
}

// String renders the executor id.
func (c Capability) String() string {
	if c.Action == "" {
		return c.Namespace + "/" + c.Module
	}
	return c.Namespace + "/" + c.Module + "." + c.Action
}

// WithDefaultAction fills a missing action.
func (c Capability) WithDefaultAction(action string) Capability {
	if c.Action == "" {
		c.Action = action
	}
	return c
}

// WorkerRegistry maps capability ids to workers. It is populated once at
// startup from a static table and read concurrently afterwards.
type WorkerRegistry struct {
	mu       sync.RWMutex
	workers  map[string]Worker
	defaults map[string]string
}

// NewWorkerRegistry builds a registry instance.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers:  make(map[string]Worker),
		defaults: make(map[string]string),
	}
}

// Register adds a worker under a fully qualified executor id.
func (r *WorkerRegistry) Register(executor string, worker Worker) error {
	capability, err := ParseCapability(executor)
	if err != nil {
		return err
	}
	if capability.Action == "" {
		return fmt.Errorf("register %s: action required", executor)
	}
	if worker == nil {
		return fmt.Errorf("register %s: nil worker", executor)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := capability.String()
	if _, exists := r.workers[key]; exists {
		return fmt.Errorf("worker %s already registered", key)
	}
	r.workers[key] = worker
	return nil
}

// SetDefaultAction records the conventional action of a namespace.
func (r *WorkerRegistry) SetDefaultAction(namespace, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[namespace] = action
}

// DefaultAction returns the conventional action of a namespace.
func (r *WorkerRegistry) DefaultAction(namespace string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.defaults[namespace]
	return action, ok
}

// Resolve finds the worker for an executor id, applying the namespace default
// when the action is omitted.
func (r *WorkerRegistry) Resolve(executor string) (Worker, Capability, error) {
	capability, err := ParseCapability(executor)
	if err != nil {
		return nil, Capability{}, fmt.Errorf("%w: %v", ErrExecutorNotFound, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if capability.Action == "" {
		capability.Action = r.defaults[capability.Namespace]
	}
	worker, ok := r.workers[capability.String()]
	if !ok {
		return nil, capability, fmt.Errorf("%w: %s", ErrExecutorNotFound, capability.String())
	}
	return worker, capability, nil
}

// Executors lists registered executor ids in sorted order.
func (r *WorkerRegistry) Executors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
