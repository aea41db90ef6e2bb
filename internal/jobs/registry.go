// Package jobs implements the generic background-job pipeline: a closed
// registry of typed job definitions, the producer that enqueues them, and
// the worker claim loop that executes them.
package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// HandlerFunc is a type-erased handler over the raw JSON payload. Typed
// definitions are converted at registration time by closing over the
// unmarshal step.
type HandlerFunc func(ctx context.Context, tenantID string, payload []byte) error

// Registry is the closed set of job types. Enqueueing an unregistered type
// is rejected up front, so a bad type never reaches a worker. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a job type to a handler taking a strongly-typed payload.
// Package-level because Go does not allow generic methods.
func Register[T any](r *Registry, jobType string, fn func(ctx context.Context, tenantID string, payload T) error) {
	h := func(ctx context.Context, tenantID string, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return errors.Wrapf(err, "unmarshal payload for %q", jobType)
			}
		}
		return fn(ctx, tenantID, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for a job type, false if unregistered.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Known reports whether the type is registered.
func (r *Registry) Known(jobType string) bool {
	_, ok := r.Get(jobType)
	return ok
}

// Types returns all registered type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
