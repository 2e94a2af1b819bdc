package backend

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// Guarded wraps a Backend with a circuit breaker so a backend that keeps
// failing is short-circuited with a retryable error instead of being hammered.
type Guarded struct {
	inner   Backend
	breaker *errors.CircuitBreaker
}

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Backend, breaker *errors.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Type implements Backend.
func (g *Guarded) Type() model.IndexType { return g.inner.Type() }

// Create implements Backend.
func (g *Guarded) Create(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return g.call(func() Result { return g.inner.Create(ctx, docID, prepared) })
}

// Update implements Backend.
func (g *Guarded) Update(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return g.call(func() Result { return g.inner.Update(ctx, docID, prepared) })
}

// Delete implements Backend.
func (g *Guarded) Delete(ctx context.Context, docID string) Result {
	return g.call(func() Result { return g.inner.Delete(ctx, docID) })
}

// Close implements Backend.
func (g *Guarded) Close() error { return g.inner.Close() }

// Unwrap returns the guarded backend.
func (g *Guarded) Unwrap() Backend { return g.inner }

// Breaker exposes the breaker for status reporting.
func (g *Guarded) Breaker() *errors.CircuitBreaker { return g.breaker }

func (g *Guarded) call(fn func() Result) Result {
	res, err := errors.CircuitExecute(g.breaker, func() (Result, error) {
		r := fn()
		return r, r.Error()
	})
	if errors.Is(err, errors.ErrCircuitOpen) {
		slog.Debug("backend_circuit_open",
			slog.String("index_type", string(g.inner.Type())),
			slog.String("breaker", g.breaker.Name()))
		return Failed(err)
	}
	return res
}

var _ Backend = (*Guarded)(nil)
