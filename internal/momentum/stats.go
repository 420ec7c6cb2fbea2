package momentum

import (
	"math"
	"sync/atomic"
	"time"
)

// Stats holds the miner's running counters. One instance is shared by all
// workers and the management loop.
type Stats struct {
	collisions    atomic.Uint64
	tables        atomic.Uint64
	shares        atomic.Uint64
	sessionShares atomic.Uint64
	invalid       atomic.Uint64
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// AddCollisions records n usable collisions (each confirmed pair counts twice).
func (s *Stats) AddCollisions(n uint64) { s.collisions.Add(n) }

// AddTable records one completed search.
func (s *Stats) AddTable() { s.tables.Add(1) }

// AddShare records a share that met the share target.
func (s *Stats) AddShare() {
	s.shares.Add(1)
	s.sessionShares.Add(1)
}

// AddInvalid records a share the pool rejected.
func (s *Stats) AddInvalid() { s.invalid.Add(1) }

// ResetSession clears the per-connection rate counters. Lifetime share
// totals are kept.
func (s *Stats) ResetSession() {
	s.collisions.Store(0)
	s.tables.Store(0)
	s.sessionShares.Store(0)
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Collisions    uint64
	Tables        uint64
	Shares        uint64
	SessionShares uint64
	Invalid       uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Collisions:    s.collisions.Load(),
		Tables:        s.tables.Load(),
		Shares:        s.shares.Load(),
		SessionShares: s.sessionShares.Load(),
		Invalid:       s.invalid.Load(),
	}
}

// Valid returns shares not rejected by the pool.
func (s StatsSnapshot) Valid() uint64 {
	if s.Invalid > s.Shares {
		return 0
	}
	return s.Shares - s.Invalid
}

// Rates are the derived per-minute/per-hour figures of a snapshot.
type Rates struct {
	CollisionsPerMin float64
	ErrorPct         float64
	TablesPerMin     float64
	SharesPerHour    float64
}

const (
	minRateWindow    = 5 * time.Second
	sharesHourWindow = 900 * time.Second
)

// Rates derives the rate figures over elapsed mining time. ok is false
// until enough time has passed for the figures to mean anything.
func (s StatsSnapshot) Rates(elapsed time.Duration) (r Rates, ok bool) {
	if elapsed <= minRateWindow {
		return Rates{}, false
	}
	secs := elapsed.Seconds()
	r.CollisionsPerMin = float64(s.Collisions) / secs * 60
	r.TablesPerMin = float64(s.Tables) / secs * 60
	r.ErrorPct = math.Inf(1)
	if s.Tables > 0 {
		r.ErrorPct = 100 / math.Sqrt(float64(s.Tables))
	}
	if elapsed > sharesHourWindow {
		r.SharesPerHour = float64(s.SessionShares) / secs * 3600
	}
	return r, true
}
