package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"missionline/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by mission id, so every
// consumer sees a mission's events in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Name() string { return "kafka:" + p.topic }

func (p *KafkaPublisher) Publish(ctx context.Context, batch []domain.Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		value, err := json.Marshal(NewMessage(evt))
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", evt.ID, err)
		}
		key := evt.MissionID
		if key == "" {
			key = evt.EntityID
		}
		ts, err := time.Parse(time.RFC3339Nano, evt.TS)
		if err != nil {
			ts = time.Now().UTC()
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.topic,
			Key:   []byte(key),
			Value: value,
			Time:  ts,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(evt.Type)},
			},
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
