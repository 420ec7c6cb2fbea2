package influx

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/pkg/errors"
)

type memWriter struct {
	points []*write.Point
	err    error
}

func (w *memWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, points...)
	return nil
}

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSharePoint(t *testing.T) {
	p := SharePoint(telemetry.ShareEvent{
		Worker: "me.pts_1", Height: 99, BirthdayA: 1, BirthdayB: 2, Submitted: true, Timestamp: ts,
	})
	line := write.PointToLineProtocol(p, time.Second)

	assert.Contains(t, line, "shares,")
	assert.Contains(t, line, "worker=me.pts_1")
	assert.Contains(t, line, "submitted=true")
	assert.Contains(t, line, "height=99i")
	assert.Contains(t, line, fmt.Sprintf(" %d", ts.Unix()))
}

func TestStatsPoint(t *testing.T) {
	p := StatsPoint(telemetry.StatsEvent{
		Worker: "me.pts_1", TablesPerMin: 2.5, ErrorPct: math.Inf(1), Shares: 4, Uptime: 90 * time.Second, Timestamp: ts,
	})
	assert.Equal(t, MeasurementRates, p.Name())

	line := write.PointToLineProtocol(p, time.Second)
	assert.Contains(t, line, "tables_per_min=2.5")
	assert.Contains(t, line, "shares=4i")
	assert.Contains(t, line, "uptime_s=90")
	assert.NotContains(t, line, "error_pct")
}

func TestReporterWrites(t *testing.T) {
	w := &memWriter{}
	r := &Reporter{writer: w}
	assert.Equal(t, "influx", r.Name())

	require.NoError(t, r.ReportShare(context.Background(), telemetry.ShareEvent{Worker: "a", Timestamp: ts}))
	require.NoError(t, r.ReportStats(context.Background(), telemetry.StatsEvent{Worker: "a", Timestamp: ts}))
	require.Len(t, w.points, 2)
	assert.Equal(t, MeasurementShares, w.points[0].Name())

	w.err = fmt.Errorf("bucket not found")
	err := r.ReportShare(context.Background(), telemetry.ShareEvent{Worker: "a", Timestamp: ts})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTelemetry))
	assert.NoError(t, r.Close())
}
