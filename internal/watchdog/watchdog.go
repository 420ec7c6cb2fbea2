// Package watchdog detects compute devices that stop returning from a search.
package watchdog

import (
	"sync"
	"time"

	"github.com/bardlex/ptsminer/pkg/errors"
)

const (
	// DefaultLimit bounds a single GPU search.
	DefaultLimit = 10 * time.Second
	// CPUFactor scales the limit for devices that are not GPUs.
	CPUFactor = 6
)

// ErrDeviceHang is returned by Check once a search overruns its limit.
var ErrDeviceHang = errors.New(errors.ErrorTypeDevice, "watchdog", "device timeout detected").AsFatal()

type slot struct {
	name    string
	limit   time.Duration
	started time.Time
	busy    bool
}

// Watchdog tracks one slot per worker. Workers bracket each device dispatch
// with Begin and End; the management loop polls Check.
type Watchdog struct {
	mu    sync.Mutex
	limit time.Duration
	now   func() time.Time
	slots []slot
}

// New creates a watchdog with the given GPU limit.
func New(limit time.Duration) *Watchdog {
	return NewWithClock(limit, time.Now)
}

// NewWithClock creates a watchdog reading time from now.
func NewWithClock(limit time.Duration, now func() time.Time) *Watchdog {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Watchdog{limit: limit, now: now}
}

// Register adds a slot for a device and returns its id.
func (w *Watchdog) Register(name string, gpu bool) int {
	limit := w.limit
	if !gpu {
		limit *= CPUFactor
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.slots = append(w.slots, slot{name: name, limit: limit})
	return len(w.slots) - 1
}

// Limit returns the time a search in slot id may take.
func (w *Watchdog) Limit(id int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slots[id].limit
}

// Begin marks slot id as running a search.
func (w *Watchdog) Begin(id int) {
	now := w.now()
	w.mu.Lock()
	w.slots[id].started = now
	w.slots[id].busy = true
	w.mu.Unlock()
}

// End marks slot id idle.
func (w *Watchdog) End(id int) {
	w.mu.Lock()
	w.slots[id].busy = false
	w.mu.Unlock()
}

// Check returns an error wrapping ErrDeviceHang if any slot has been busy for
// longer than its limit at now.
func (w *Watchdog) Check(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, s := range w.slots {
		if !s.busy {
			continue
		}
		if elapsed := now.Sub(s.started); elapsed > s.limit {
			return errors.Wrap(ErrDeviceHang, errors.ErrorTypeDevice, "watchdog_check",
				"no response from worker").
				WithContext("slot", id).
				WithContext("device", s.name).
				WithContext("elapsed", elapsed.String()).
				WithContext("limit", s.limit.String())
		}
	}
	return nil
}
