// Package request owns the in-flight request table: cancellation handles
// keyed by client-supplied request ids, and the lifecycle manager that
// drives an execution adapter from registration to guaranteed release.
package request

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
)

// Registry is the sole owner of live cancellation handles. At most one
// handle exists per request id; re-registering a live id is a conflict.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register derives a cancellable context for the request and records its
// handle. Fails with a CONFLICT error if the id is already live.
func (r *Registry) Register(ctx context.Context, requestID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[requestID]; exists {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "request id already in flight: "+requestID)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	r.entries[requestID] = &entry{cancel: cancel, startedAt: time.Now()}
	return reqCtx, nil
}

// Cancel signals the handle for the given id. Returns whether a live
// request was found; cancelling an unknown id is a harmless no-op.
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Release removes the entry unconditionally and cancels its context so the
// derived resources are freed even on the success path. Must be called
// exactly once per registered request, on every exit path.
func (r *Registry) Release(requestID string) {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	delete(r.entries, requestID)
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Len returns the number of live requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartedAt reports when the given request was registered.
func (r *Registry) StartedAt(requestID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[requestID]
	if !ok {
		return time.Time{}, false
	}
	return e.startedAt, true
}
