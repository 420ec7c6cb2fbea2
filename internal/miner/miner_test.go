package miner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/internal/momentum"
	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
)

func newTestMiner(searcher *fakeSearcher) (*Miner, *harness, *recordingSink) {
	h := defaultHarness()
	h.conn.onProcess = loginAs(work.AlgorithmProtoshares, 10)

	sink := &recordingSink{}
	w := NewWorker(0, searcher, WorkerDeps{
		Source:    h.source,
		Builder:   work.NewBuilder(),
		Validator: &fakeValidator{},
		Stats:     h.stats,
		Watchdog:  h.wd,
		Sink:      sink,
		Logger:    log.NewDiscard(),
	})
	return New(h.m, []*Worker{w}), h, sink
}

func TestMinerRunsUntilCancelled(t *testing.T) {
	searcher := &fakeSearcher{candidates: []momentum.Candidate{{IndexA: 1, IndexB: 2}}}
	m, _, sink := newTestMiner(searcher)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.NotEmpty(t, sink.shares)
}

func TestMinerWorkerFailureStopsEverything(t *testing.T) {
	searcher := &fakeSearcher{err: fmt.Errorf("device lost")}
	m, _, _ := newTestMiner(searcher)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, ctx.Err(), "returned before the deadline")
}
