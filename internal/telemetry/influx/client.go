// Package influx writes miner telemetry to InfluxDB as time-series points.
package influx

import (
	"context"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/pkg/errors"
)

// Measurement names.
const (
	MeasurementShares = "shares"
	MeasurementRates  = "mining_rates"
)

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Reporter is a telemetry sink writing one point per event.
type Reporter struct {
	client influxdb2.Client
	writer pointWriter
}

// NewReporter connects to InfluxDB and checks its health.
func NewReporter(ctx context.Context, cfg Config) (*Reporter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "influx_health", "failed to check InfluxDB health").
			WithContext("url", cfg.URL)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, errors.Newf(errors.ErrorTypeTelemetry, "influx_health", "InfluxDB health check failed: %s", msg)
	}

	return &Reporter{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Name implements telemetry.Reporter.
func (r *Reporter) Name() string { return "influx" }

// ReportShare implements telemetry.Reporter.
func (r *Reporter) ReportShare(ctx context.Context, ev telemetry.ShareEvent) error {
	return r.write(ctx, SharePoint(ev))
}

// ReportStats implements telemetry.Reporter.
func (r *Reporter) ReportStats(ctx context.Context, ev telemetry.StatsEvent) error {
	return r.write(ctx, StatsPoint(ev))
}

func (r *Reporter) write(ctx context.Context, p *write.Point) error {
	if err := r.writer.WritePoint(ctx, p); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "influx_write", "failed to write point").
			WithContext("measurement", p.Name())
	}
	return nil
}

// Close implements telemetry.Reporter.
func (r *Reporter) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

// SharePoint converts a share event.
func SharePoint(ev telemetry.ShareEvent) *write.Point {
	tags := map[string]string{
		"worker":    ev.Worker,
		"developer": fmt.Sprintf("%t", ev.Developer),
		"submitted": fmt.Sprintf("%t", ev.Submitted),
	}
	fields := map[string]any{
		"height":     int64(ev.Height),
		"birthday_a": int64(ev.BirthdayA),
		"birthday_b": int64(ev.BirthdayB),
		"count":      1,
	}
	return write.NewPoint(MeasurementShares, tags, fields, ev.Timestamp)
}

// StatsPoint converts a rate report.
func StatsPoint(ev telemetry.StatsEvent) *write.Point {
	tags := map[string]string{
		"worker": ev.Worker,
	}
	fields := map[string]any{
		"collisions_per_min": ev.CollisionsPerMin,
		"tables_per_min":     ev.TablesPerMin,
		"shares_per_hour":    ev.SharesPerHour,
		"shares":             int64(ev.Shares),
		"valid":              int64(ev.Valid),
		"invalid":            int64(ev.Invalid),
		"uptime_s":           ev.Uptime.Seconds(),
	}
	// line protocol has no infinity
	if !math.IsInf(ev.ErrorPct, 0) && !math.IsNaN(ev.ErrorPct) {
		fields["error_pct"] = ev.ErrorPct
	}
	return write.NewPoint(MeasurementRates, tags, fields, ev.Timestamp)
}
