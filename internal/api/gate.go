package api

import (
	"context"
	"sync"
)

// EngineGate holds jobs back until the boot-time engine readiness check has
// settled. The zero value is not usable; use NewEngineGate.
type EngineGate struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewEngineGate returns a gate that is still closed.
func NewEngineGate() *EngineGate {
	return &EngineGate{done: make(chan struct{})}
}

// Finish settles the gate with the outcome of the readiness check. Later
// calls are ignored.
func (g *EngineGate) Finish(err error) {
	g.once.Do(func() {
		g.err = err
		close(g.done)
	})
}

// Wait blocks until the gate settles or ctx ends, and returns the readiness
// error or ctx.Err().
func (g *EngineGate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
