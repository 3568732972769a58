package events

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	contentType       = "application/x-protobuf"
	topicPartitions   = 3
	publishTimeout    = 10 * time.Second
	topicProbeTimeout = 5 * time.Second
)

// KafkaPublisher writes lifecycle events to one topic. Messages are keyed by
// a digest of the alert ID, so all events of an alert share a partition and
// keep their order.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher returns a synchronous publisher for topic on the
// comma-separated brokers. The topic is created when missing; a failure to
// do so is only logged since the cluster may auto-create it.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	addrs := parseBrokers(brokers)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	slog.Info("Initializing Kafka event publisher", "brokers", addrs, "topic", topic)
	ensureTopic(addrs[0], topic)

	return &KafkaPublisher{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: publishTimeout,
		},
	}, nil
}

func parseBrokers(brokers string) []string {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return addrs
}

func ensureTopic(broker, topic string) {
	dialer := &kafka.Dialer{Timeout: topicProbeTimeout}
	conn, err := dialer.Dial("tcp", broker)
	if err != nil {
		slog.Warn("Kafka unreachable, skipping topic check", "broker", broker, "topic", topic, "error", err)
		return
	}
	defer conn.Close()

	if partitions, err := conn.ReadPartitions(topic); err == nil && len(partitions) > 0 {
		return
	}
	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     topicPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		slog.Warn("Could not create topic", "topic", topic, "error", err)
		slog.Info("Tip: create it with 'kafka-topics --create --topic " + topic + "'")
		return
	}
	slog.Info("Created topic", "topic", topic, "partitions", topicPartitions)
}

// Publish encodes e and waits for the broker to acknowledge it.
func (p *KafkaPublisher) Publish(ctx context.Context, e *Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, buildMessage(e, payload)); err != nil {
		slog.Error("Failed to publish alert event",
			"alert_id", e.AlertID,
			"type", e.Type,
			"topic", p.topic,
			"error", err,
		)
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	slog.Info("Closing Kafka event publisher", "topic", p.topic)
	return p.writer.Close()
}

func buildMessage(e *Event, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   partitionKey(e.AlertID),
		Value: payload,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(contentType)},
			{Key: "schema_version", Value: []byte(strconv.Itoa(e.SchemaVersion))},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
}

// partitionKey is the first 16 bytes of the SHA-256 of alertID.
func partitionKey(alertID string) []byte {
	sum := sha256.Sum256([]byte(alertID))
	return sum[:16]
}
