package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ridecore/matching/internal/storage"
)

// LocationPublisher is the producing side of the location-ingest fan-out:
// flushed batches are published here for cmd/consumer to read for
// analytics and surge-supply refresh, independent of the durable write to
// storage.
type LocationPublisher interface {
	PublishBatch(ctx context.Context, samples []storage.LocationSample) error
	Close() error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishBatch(ctx context.Context, samples []storage.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	msgs := make([]kafka.Message, 0, len(samples))
	for _, s := range samples {
		b, err := json.Marshal(s)
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(s.DriverID), Value: b})
	}
	if len(msgs) == 0 {
		return nil
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
