// Package redis keeps a live status snapshot of the miner in Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/pkg/errors"
)

const (
	// DefaultTTL is how long a status entry survives without a refresh.
	DefaultTTL = 5 * time.Minute
	// RecentShares is the length of the per-worker recent share list.
	RecentShares = 100

	keyPrefix = "ptsminer"
)

// Config holds Redis connection configuration
type Config struct {
	URL string
	TTL time.Duration
}

// Reporter is a telemetry sink writing per-worker status hashes, share
// counters and a capped list of recent shares.
type Reporter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewReporter connects to the Redis server at cfg.URL and pings it.
func NewReporter(ctx context.Context, cfg Config) (*Reporter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "redis_url", "invalid Redis URL")
	}
	r := newReporter(redis.NewClient(opts), cfg.TTL)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		_ = r.rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_ping", "failed to ping Redis").
			WithContext("addr", opts.Addr)
	}
	return r, nil
}

func newReporter(rdb *redis.Client, ttl time.Duration) *Reporter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reporter{rdb: rdb, ttl: ttl}
}

// StatusKey is the hash holding a worker's latest rates.
func StatusKey(worker string) string { return fmt.Sprintf("%s:status:%s", keyPrefix, worker) }

// SharesKey is the hash of a worker's share counters.
func SharesKey(worker string) string { return fmt.Sprintf("%s:shares:%s", keyPrefix, worker) }

// RecentKey is the list of a worker's most recent shares, newest first.
func RecentKey(worker string) string { return fmt.Sprintf("%s:recent:%s", keyPrefix, worker) }

// Name implements telemetry.Reporter.
func (r *Reporter) Name() string { return "redis" }

// ReportShare implements telemetry.Reporter.
func (r *Reporter) ReportShare(ctx context.Context, ev telemetry.ShareEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal share event")
	}
	field := "dropped"
	if ev.Submitted {
		field = "submitted"
	}

	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, SharesKey(ev.Worker), field, 1)
		pipe.Expire(ctx, SharesKey(ev.Worker), r.ttl)
		pipe.LPush(ctx, RecentKey(ev.Worker), data)
		pipe.LTrim(ctx, RecentKey(ev.Worker), 0, RecentShares-1)
		pipe.Expire(ctx, RecentKey(ev.Worker), r.ttl)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_share", "failed to record share").
			WithContext("worker", ev.Worker)
	}
	return nil
}

// ReportStats implements telemetry.Reporter.
func (r *Reporter) ReportStats(ctx context.Context, ev telemetry.StatsEvent) error {
	key := StatusKey(ev.Worker)
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, statusFields(ev))
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_status", "failed to update status").
			WithContext("worker", ev.Worker)
	}
	return nil
}

func statusFields(ev telemetry.StatsEvent) map[string]any {
	return map[string]any{
		"collisions_per_min": ev.CollisionsPerMin,
		"error_pct":          ev.ErrorPct,
		"tables_per_min":     ev.TablesPerMin,
		"shares_per_hour":    ev.SharesPerHour,
		"shares":             ev.Shares,
		"valid":              ev.Valid,
		"invalid":            ev.Invalid,
		"uptime_s":           int64(ev.Uptime.Seconds()),
		"updated_at":         ev.Timestamp.Unix(),
	}
}

// Close implements telemetry.Reporter.
func (r *Reporter) Close() error {
	return r.rdb.Close()
}
