package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes driver location snapshots keyed by driver id, so
// every update of one driver lands on the same partition in order.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, snap models.DriverLocationSnapshot) error {
	msg, err := EncodeLocation(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func EncodeLocation(snap models.DriverLocationSnapshot) (kafka.Message, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(snap.DriverID), Value: b, Time: snap.Timestamp}, nil
}

func DecodeLocation(m kafka.Message) (models.DriverLocationSnapshot, error) {
	var snap models.DriverLocationSnapshot
	err := json.Unmarshal(m.Value, &snap)
	return snap, err
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
