// Package backend holds the index backends that materialize prepared
// documents: vector (HNSW), fulltext (bleve or SQLite FTS5), graph and
// summary. The reconciliation core treats every backend as opaque.
package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// Result is the uniform outcome of one backend call.
type Result struct {
	OK      bool
	Payload string
	Err     error
}

// Succeeded returns an OK result carrying payload.
func Succeeded(payload string) Result {
	return Result{OK: true, Payload: payload}
}

// Failed returns a failed result for err.
func Failed(err error) Result {
	return Result{Err: err}
}

// Error returns nil for OK results and a non-nil error otherwise.
func (r Result) Error() error {
	if r.OK {
		return nil
	}
	if r.Err == nil {
		return errors.New(errors.ErrCodeBackendRejected, "backend reported failure without a reason", nil)
	}
	return r.Err
}

// Backend materializes one index type.
// Create and Update must be idempotent for the same prepared version and
// Delete must succeed when nothing is indexed for the document.
type Backend interface {
	Type() model.IndexType
	Create(ctx context.Context, docID string, prepared *model.Prepared) Result
	Update(ctx context.Context, docID string, prepared *model.Prepared) Result
	Delete(ctx context.Context, docID string) Result
	Close() error
}

// Registry maps index types to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[model.IndexType]Backend
	closers  []func() error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[model.IndexType]Backend)}
}

// Register adds b under b.Type(). Registering a type twice is an error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := b.Type()
	if err := t.Validate(); err != nil {
		return errors.ValidationError(err.Error(), nil)
	}
	if _, dup := r.backends[t]; dup {
		return errors.ValidationError("backend already registered for "+string(t), nil)
	}
	r.backends[t] = b
	return nil
}

// Get returns the backend for t or errors.ErrUnknownIndexType.
func (r *Registry) Get(t model.IndexType) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	if !ok {
		return nil, errors.New(errors.ErrCodeUnknownIndexType, "no backend registered for "+string(t), nil)
	}
	return b, nil
}

// Types lists the registered index types in sorted order.
func (r *Registry) Types() []model.IndexType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]model.IndexType, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Breakers returns the circuit breaker of every guarded backend.
func (r *Registry) Breakers() map[model.IndexType]*errors.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.IndexType]*errors.CircuitBreaker)
	for t, b := range r.backends {
		if g, ok := b.(*Guarded); ok {
			out[t] = g.Breaker()
		}
	}
	return out
}

// Lookup returns the unguarded backend for t, for callers that need its
// query methods.
func (r *Registry) Lookup(t model.IndexType) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	if g, guarded := b.(*Guarded); guarded {
		return g.Unwrap(), true
	}
	return b, ok
}

// onClose registers a cleanup that runs after every backend is closed.
func (r *Registry) onClose(fn func() error) {
	r.mu.Lock()
	r.closers = append(r.closers, fn)
	r.mu.Unlock()
}

// Close closes every backend, then the shared resources, and returns the
// first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, t := range sortedKeys(r.backends) {
		if err := r.backends[t].Close(); err != nil && first == nil {
			first = err
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.backends = make(map[model.IndexType]Backend)
	r.closers = nil
	return first
}

func sortedKeys(m map[model.IndexType]Backend) []model.IndexType {
	keys := make([]model.IndexType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// encodePayload renders a backend payload as compact JSON.
func encodePayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
