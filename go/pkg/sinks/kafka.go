package sinks

import (
	"context"
	"fmt"
	"time"

	"ats-engine/go/pkg/shared"
)

// KafkaFlusher produces each row as JSON on topic, keyed by key(row).
type KafkaFlusher[T any] struct {
	prod  shared.Producer
	topic string
	key   func(ev *T) []byte
}

func (f KafkaFlusher[T]) Flush(ctx context.Context, batch []T) error {
	recs, err := shared.EncodeRecords(batch, f.key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", f.topic, err)
	}
	return f.prod.ProduceBatch(ctx, f.topic, recs)
}

// NewTopicWriter is a BatchWriter producing rows onto topic.
func NewTopicWriter[T any](name string, prod shared.Producer, topic string, key func(ev *T) []byte, cfg shared.GraceConfig, log shared.Logger) *BatchWriter[T] {
	return NewBatchWriter[T](name, KafkaFlusher[T]{prod: prod, topic: topic, key: key}, cfg, log)
}

// NewSignalPublisher forwards SIGNAL events to a Kafka topic keyed by symbol.
func NewSignalPublisher(prod shared.Producer, topic string, cfg shared.GraceConfig, log shared.Logger) *BatchWriter[shared.SignalEvent] {
	return NewTopicWriter("signal-publisher", prod, topic,
		func(s *shared.SignalEvent) []byte { return []byte(s.Symbol) }, cfg, log)
}
