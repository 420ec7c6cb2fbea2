package telemetry

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/ptsminer/pkg/circuit"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
	"github.com/bardlex/ptsminer/pkg/retry"
)

const (
	// DefaultQueueSize is the number of events buffered before dropping.
	DefaultQueueSize = 256
	deliverTimeout   = 2 * time.Second
)

type event struct {
	share *ShareEvent
	stats *StatsEvent
}

type sink struct {
	reporter Reporter
	breaker  *circuit.Breaker
}

// Dispatcher queues events and delivers them to every reporter on a
// background goroutine. A full queue drops the event.
type Dispatcher struct {
	logger *log.Logger
	sinks  []sink
	retry  *retry.Config

	queue   chan event
	dropped atomic.Uint64
	failed  atomic.Uint64

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher creates a dispatcher over reporters. Start must be called
// before events are delivered.
func NewDispatcher(logger *log.Logger, queueSize int, reporters ...Reporter) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		logger: logger.WithComponent("telemetry"),
		retry:  retry.TelemetryConfig(),
		queue:  make(chan event, queueSize),
	}
	for _, r := range reporters {
		d.sinks = append(d.sinks, sink{reporter: r, breaker: circuit.New(circuit.SinkConfig(r.Name()))})
	}
	return d
}

// Sinks returns the names of the configured reporters.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.reporter.Name()
	}
	return names
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
	})
}

// Share queues a share event.
func (d *Dispatcher) Share(ev ShareEvent) {
	d.enqueue(event{share: &ev})
}

// Stats queues a stats event.
func (d *Dispatcher) Stats(ev StatsEvent) {
	d.enqueue(event{stats: &ev})
}

func (d *Dispatcher) enqueue(ev event) {
	if len(d.sinks) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		if d.dropped.Add(1)%100 == 1 {
			d.logger.Warn("telemetry queue full, dropping events", "dropped_total", d.dropped.Load())
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Failed returns how many deliveries failed after retries.
func (d *Dispatcher) Failed() uint64 {
	return d.failed.Load()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s sink, ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, d.retry, func() error {
			if ev.share != nil {
				return s.reporter.ReportShare(ctx, *ev.share)
			}
			return s.reporter.ReportStats(ctx, *ev.stats)
		})
	})
	if err != nil {
		d.failed.Add(1)
		d.logger.WithError(err).Debug("telemetry delivery failed", "sink", s.reporter.Name())
	}
}

// Close stops accepting events, delivers what is queued and closes every
// reporter.
func (d *Dispatcher) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.Start()
		d.wg.Wait()

		for _, s := range d.sinks {
			if err := s.reporter.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, errors.ErrorTypeTelemetry, "close_sink", s.reporter.Name()))
			}
		}
	})
	return stderrors.Join(errs...)
}
