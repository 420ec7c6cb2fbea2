package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/pkg/log"
)

type recordingReporter struct {
	name string
	fail bool

	mu     sync.Mutex
	shares []ShareEvent
	stats  []StatsEvent
	calls  int
	closed bool
}

func (r *recordingReporter) Name() string { return r.name }

func (r *recordingReporter) ReportShare(_ context.Context, ev ShareEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return fmt.Errorf("sink down")
	}
	r.shares = append(r.shares, ev)
	return nil
}

func (r *recordingReporter) ReportStats(_ context.Context, ev StatsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return fmt.Errorf("sink down")
	}
	r.stats = append(r.stats, ev)
	return nil
}

func (r *recordingReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	good := &recordingReporter{name: "good"}
	bad := &recordingReporter{name: "bad", fail: true}

	d := NewDispatcher(log.NewDiscard(), 64, good, bad)
	assert.Equal(t, []string{"good", "bad"}, d.Sinks())
	d.Start()

	d.Share(ShareEvent{Worker: "w", Height: 5})
	for i := range 10 {
		d.Stats(StatsEvent{Tables: uint64(i)})
	}
	require.NoError(t, d.Close())

	assert.Len(t, good.shares, 1)
	assert.Len(t, good.stats, 10)
	assert.Equal(t, uint64(9), good.stats[9].Tables)
	assert.True(t, good.closed)
	assert.True(t, bad.closed)

	// the breaker opens after five failures and stops calling the sink
	assert.Equal(t, 5, bad.calls)
	assert.Equal(t, uint64(11), d.Failed())
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	r := &recordingReporter{name: "slow"}
	d := NewDispatcher(log.NewDiscard(), 2, r)

	// not started: the queue fills up
	for range 5 {
		d.Stats(StatsEvent{})
	}
	assert.Equal(t, uint64(3), d.Dropped())

	require.NoError(t, d.Close())
	assert.Len(t, r.stats, 2, "queued events are delivered on close")

	d.Stats(StatsEvent{})
	assert.Len(t, r.stats, 2, "events after close are ignored")
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(log.NewDiscard(), 1)
	d.Start()
	for range 10 {
		d.Share(ShareEvent{})
	}
	assert.Zero(t, d.Dropped())
	assert.NoError(t, d.Close())
}
