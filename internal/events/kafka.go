package events

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by project id, so each project's events stay ordered.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaPublisher connects a hash-balanced writer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	return NewKafkaPublisherWithWriter(writer, topic)
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(writer MessageWriter, topic string) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, fmt.Errorf("kafka publisher requires a writer")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{writer: writer, topic: topic}, nil
}

func (publisher *KafkaPublisher) Publish(ctx context.Context, event investment.Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	return publisher.writer.WriteMessages(ctx, kafka.Message{
		Topic: publisher.topic,
		Key:   []byte(event.ProjectID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Time: time.Unix(event.OccurredUnixUTC, 0).UTC(),
	})
}

func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}
