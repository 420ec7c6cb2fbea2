// Package zmq broadcasts miner telemetry on a ZeroMQ PUB socket so local
// dashboards can subscribe without touching the miner.
package zmq

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
)

// Topics are the first frame of every message.
const (
	TopicShare = "share"
	TopicStats = "stats"
)

// Publisher is a telemetry sink sending two-frame messages: topic, then
// the event as JSON.
type Publisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewPublisher binds a PUB socket to endpoint, e.g. "tcp://*:28332".
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "zmq_socket", "failed to create ZMQ socket")
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "zmq_socket", "failed to set linger")
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "zmq_bind", "failed to bind ZMQ endpoint").
			WithContext("endpoint", endpoint)
	}

	p := &Publisher{socket: socket, endpoint: endpoint, logger: logger.WithComponent("zmq")}
	p.logger.Info("publishing telemetry", "endpoint", endpoint)
	return p, nil
}

// Name implements telemetry.Reporter.
func (p *Publisher) Name() string { return "zmq" }

// ReportShare implements telemetry.Reporter.
func (p *Publisher) ReportShare(_ context.Context, ev telemetry.ShareEvent) error {
	return p.publish(TopicShare, ev)
}

// ReportStats implements telemetry.Reporter.
func (p *Publisher) ReportStats(_ context.Context, ev telemetry.StatsEvent) error {
	return p.publish(TopicStats, ev)
}

func (p *Publisher) publish(topic string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return errors.New(errors.ErrorTypeTelemetry, "zmq_send", "publisher closed")
	}
	if _, err := p.socket.SendMessage(topic, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "zmq_send", "failed to publish").
			WithContext("topic", topic)
	}
	p.logger.Debug("published", "topic", topic, "size", len(data))
	return nil
}

// Close implements telemetry.Reporter.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}
