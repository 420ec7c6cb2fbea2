package main

import (
	"context"

	"github.com/bardlex/ptsminer/internal/config"
	"github.com/bardlex/ptsminer/internal/messaging"
	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/internal/telemetry/influx"
	"github.com/bardlex/ptsminer/internal/telemetry/redis"
	"github.com/bardlex/ptsminer/internal/telemetry/zmq"
	"github.com/bardlex/ptsminer/pkg/log"
)

// openSinks creates every configured telemetry sink. A sink that cannot be
// reached at startup is skipped with a warning; mining never depends on it.
func openSinks(ctx context.Context, cfg config.Telemetry, logger *log.Logger) []telemetry.Reporter {
	var sinks []telemetry.Reporter

	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, messaging.NewReporter(messaging.NewKafkaClient(cfg.KafkaBrokers, logger)))
	}
	if cfg.RedisURL != "" {
		r, err := redis.NewReporter(ctx, redis.Config{URL: cfg.RedisURL})
		if err != nil {
			logger.WithError(err).Warn("redis telemetry disabled")
		} else {
			sinks = append(sinks, r)
		}
	}
	if cfg.InfluxURL != "" {
		r, err := influx.NewReporter(ctx, influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("influx telemetry disabled")
		} else {
			sinks = append(sinks, r)
		}
	}
	if cfg.ZMQPubAddr != "" {
		p, err := zmq.NewPublisher(cfg.ZMQPubAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("zmq telemetry disabled")
		} else {
			sinks = append(sinks, p)
		}
	}

	for _, s := range sinks {
		logger.Info("telemetry sink enabled", "sink", s.Name())
	}
	return sinks
}
