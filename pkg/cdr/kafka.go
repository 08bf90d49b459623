package cdr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the topic records go to when none is configured.
const DefaultTopic = "callroute.cdr"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records as JSON messages keyed by session ID, so every
// record of a session lands on the same partition.
type Kafka struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafka creates a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("cdr: no kafka brokers")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newKafka(w, topic, logger), nil
}

func newKafka(w messageWriter, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{w: w, topic: topic, logger: logger}
}

func (k *Kafka) Publish(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cdr: marshal record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.SessionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(r.Outcome)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("cdr: write to %s: %w", k.topic, err)
	}
	k.logger.Debug("cdr: sent to kafka", "topic", k.topic, "session", r.SessionID)
	return nil
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
