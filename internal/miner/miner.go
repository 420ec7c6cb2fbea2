package miner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Miner runs the workers alongside the management loop.
type Miner struct {
	manager *Manager
	workers []*Worker
}

// New creates a miner from a manager and its workers.
func New(manager *Manager, workers []*Worker) *Miner {
	return &Miner{manager: manager, workers: workers}
}

// Run blocks until ctx is done or something fails. The management loop runs
// on the calling goroutine. On a fatal management error Run returns at once
// without waiting for workers, which may be stuck inside a device call;
// Worker.Done tells when each one has let go of its engine.
func (m *Miner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err := m.manager.Run(gctx); err != nil {
		return err
	}
	cancel()
	return g.Wait()
}
