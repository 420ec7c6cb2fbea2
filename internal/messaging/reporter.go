package messaging

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/ptsminer/internal/telemetry"
)

// Reporter is a telemetry sink that publishes shares as protobuf Structs
// and rate reports as JSON, both keyed by worker name.
type Reporter struct {
	client *KafkaClient
}

// NewReporter creates a Kafka reporter.
func NewReporter(client *KafkaClient) *Reporter {
	return &Reporter{client: client}
}

// Name implements telemetry.Reporter.
func (r *Reporter) Name() string { return "kafka" }

// ReportShare implements telemetry.Reporter.
func (r *Reporter) ReportShare(ctx context.Context, ev telemetry.ShareEvent) error {
	msg, err := ShareStruct(ev)
	if err != nil {
		return err
	}
	return r.client.PublishProto(ctx, TopicShares, ev.Worker, msg)
}

// ReportStats implements telemetry.Reporter.
func (r *Reporter) ReportStats(ctx context.Context, ev telemetry.StatsEvent) error {
	return r.client.PublishJSON(ctx, TopicStats, ev.Worker, ev)
}

// Close implements telemetry.Reporter.
func (r *Reporter) Close() error { return r.client.Close() }

// ShareStruct converts a share event to its wire form.
func ShareStruct(ev telemetry.ShareEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"worker":      ev.Worker,
		"developer":   ev.Developer,
		"height":      ev.Height,
		"ntime":       ev.NTime,
		"birthday_a":  ev.BirthdayA,
		"birthday_b":  ev.BirthdayB,
		"extra_nonce": ev.ExtraNonce,
		"submitted":   ev.Submitted,
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

