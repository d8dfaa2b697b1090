package txn

import (
	"context"
	"sync"
)

// Participant is an in-memory store that can take part in a MemoryRunner
// transaction. Snapshot captures the current state and returns a function
// that restores it.
type Participant interface {
	Snapshot() (restore func())
}

type memKey struct{}

// MemoryRunner serializes transactions over in-memory stores. A failed or
// panicking transaction restores every participant to its state at begin.
type MemoryRunner struct {
	mu    sync.Mutex
	parts []Participant
}

// NewMemoryRunner creates a runner over the given stores.
func NewMemoryRunner(parts ...Participant) *MemoryRunner {
	return &MemoryRunner{parts: parts}
}

// Register adds stores after construction.
func (r *MemoryRunner) Register(parts ...Participant) {
	r.mu.Lock()
	r.parts = append(r.parts, parts...)
	r.mu.Unlock()
}

func (r *MemoryRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if owner, ok := ctx.Value(memKey{}).(*MemoryRunner); ok && owner == r {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restores := make([]func(), 0, len(r.parts))
	for _, p := range r.parts {
		restores = append(restores, p.Snapshot())
	}
	rollback := func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, memKey{}, r)); err != nil {
		rollback()
		return err
	}
	return nil
}
