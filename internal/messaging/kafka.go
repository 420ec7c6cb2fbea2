// Package messaging publishes miner telemetry to Kafka.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/ptsminer/pkg/errors"
	"github.com/bardlex/ptsminer/pkg/log"
)

// messageWriter is the part of *kafka.Writer the client uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go with one pooled producer per topic. Delivery
// policy (retries, circuit breaking) belongs to the caller.
type KafkaClient struct {
	brokers   []string
	logger    *log.Logger
	writers   map[string]messageWriter
	writersMu sync.RWMutex
	newWriter func(topic string) messageWriter
	now       func() time.Time
}

// NewKafkaClient creates a client for brokers. Nothing is dialed until the
// first publish.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]messageWriter),
		now:     time.Now,
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// GetProducer gets or creates the producer for a topic.
func (k *KafkaClient) GetProducer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}
	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message.
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

// PublishJSON marshals v and publishes it.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic)
	}
	return k.publish(ctx, topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, topic, key string, data []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  k.now(),
	}
	if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
			"failed to publish message to Kafka").
			WithContext("topic", topic).
			WithContext("key", key).
			WithContext("message_size", len(data))
	}
	k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
	return nil
}

// Close closes all producers.
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	k.writers = make(map[string]messageWriter)
	return lastErr
}
