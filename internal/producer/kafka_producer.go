package producer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Suphian/suphian.com-sub001/internal/config"
)

const defaultEventsTopic = "site.events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer is the analytics binding: every tracked event becomes one
// JSON message on the events topic.
type KafkaProducer struct {
	writer messageWriter
	topic  string
}

type eventMessage struct {
	EventName string                 `json:"event_name"`
	Payload   map[string]interface{} `json:"payload"`
	SentAt    int64                  `json:"sent_at"`
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic := cfg.Topics["events"]
	if topic == "" {
		topic = defaultEventsTopic
	}

	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		},
		topic: topic,
	}, nil
}

// Available reports whether the producer can accept events.
func (p *KafkaProducer) Available() bool {
	return p != nil && p.writer != nil
}

// Send publishes an event keyed by its session so one page's events stay on
// one partition.
func (p *KafkaProducer) Send(ctx context.Context, eventName string, payload map[string]interface{}) error {
	data, err := json.Marshal(eventMessage{
		EventName: eventName,
		Payload:   payload,
		SentAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	var key []byte
	if sid, ok := payload["session_id"].(string); ok {
		key = []byte(sid)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: data,
	})
}

func (p *KafkaProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
