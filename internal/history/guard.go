package history

import (
	"context"

	"github.com/MrWong99/tutorvoice/internal/resilience"
)

// Guarded wraps a [Store] with a circuit breaker. While the breaker is open,
// Append and Recent fail fast with [resilience.ErrOpen].
type Guarded struct {
	store Store
	cb    *resilience.Breaker
}

// Guard returns store protected by cb.
func Guard(store Store, cb *resilience.Breaker) *Guarded {
	return &Guarded{store: store, cb: cb}
}

// Append implements [Store].
func (g *Guarded) Append(ctx context.Context, e Entry) error {
	return g.cb.Do(ctx, func(ctx context.Context) error {
		return g.store.Append(ctx, e)
	})
}

// Recent implements [Store].
func (g *Guarded) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	var out []Entry
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.store.Recent(ctx, sessionID, limit)
		return err
	})
	return out, err
}
