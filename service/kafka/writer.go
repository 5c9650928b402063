// Package kafka publishes quietsend events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/quietsend/service/events"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is an events.Publisher backed by a Kafka topic. Messages are
// keyed by event id and carry the routing subject as a header.
type Writer struct {
	mu     sync.Mutex
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewWriter creates a writer for topic on the comma-separated brokers.
func NewWriter(brokers, topic string, logger *slog.Logger) (*Writer, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	logger.Info("kafka writer initialized", "brokers", addrs, "topic", topic)
	return &Writer{writer: w, topic: topic, logger: logger}, nil
}

// Name implements events.Publisher.
func (w *Writer) Name() string { return "kafka" }

// Publish writes event as one JSON message.
func (w *Writer) Publish(ctx context.Context, event events.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return fmt.Errorf("kafka writer is closed")
	}

	err = w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "subject", Value: []byte(event.Subject())},
			{Key: "kind", Value: []byte(event.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	w.logger.Debug("published event to kafka", "topic", w.topic, "event_id", event.ID, "subject", event.Subject())
	return nil
}

// Close flushes pending messages and closes the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return nil
	}
	err := w.writer.Close()
	w.writer = nil
	return err
}
