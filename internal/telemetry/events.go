// Package telemetry fans share and rate events out to optional external
// sinks without ever blocking the miner.
package telemetry

import (
	"context"
	"time"
)

// ShareEvent describes a share handed to the pool.
type ShareEvent struct {
	Worker     string    `json:"worker"`
	Developer  bool      `json:"developer"`
	Height     uint32    `json:"height"`
	NTime      uint32    `json:"ntime"`
	BirthdayA  uint32    `json:"birthday_a"`
	BirthdayB  uint32    `json:"birthday_b"`
	ExtraNonce string    `json:"extra_nonce"`
	Submitted  bool      `json:"submitted"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatsEvent is one periodic rate report.
type StatsEvent struct {
	Worker           string        `json:"worker"`
	CollisionsPerMin float64       `json:"collisions_per_min"`
	ErrorPct         float64       `json:"error_pct"`
	TablesPerMin     float64       `json:"tables_per_min"`
	SharesPerHour    float64       `json:"shares_per_hour"`
	Collisions       uint64        `json:"collisions"`
	Tables           uint64        `json:"tables"`
	Shares           uint64        `json:"shares"`
	Valid            uint64        `json:"valid"`
	Invalid          uint64        `json:"invalid"`
	Uptime           time.Duration `json:"uptime_ns"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Reporter is an external sink. Calls come from a single goroutine.
type Reporter interface {
	Name() string
	ReportShare(ctx context.Context, ev ShareEvent) error
	ReportStats(ctx context.Context, ev StatsEvent) error
	Close() error
}
