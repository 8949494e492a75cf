package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sugawarayuuta/sonnet"
)

// Record is one keyed JSON payload bound for a topic.
type Record struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

// EncodeRecords renders rows as records keyed by key(row). Every record in
// the batch carries the same broker time.
func EncodeRecords[T any](rows []T, key func(*T) []byte, at time.Time) ([]Record, error) {
	recs := make([]Record, len(rows))
	for i := range rows {
		v, err := sonnet.Marshal(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		recs[i] = Record{Key: key(&rows[i]), Value: v, Time: at}
	}
	return recs, nil
}

// Producer writes keyed batches. Ticks, bars and signals all go through it.
type Producer interface {
	ProduceBatch(ctx context.Context, topic string, records []Record) error
	Close()
}

// KafkaProducer keeps one hash-balanced writer per topic, so an instrument
// key always lands on the same partition.
type KafkaProducer struct {
	addr    net.Addr
	acks    kafka.RequiredAcks
	linger  time.Duration
	bytes   int64
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewProducer validates the acks setting up front; writers are created on
// first use of a topic.
func NewProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	acks, err := parseAcks(cfg.ProducerAcks)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{
		addr:    kafka.TCP(cfg.BrokerList()...),
		acks:    acks,
		linger:  time.Duration(max(cfg.LingerMS, 0)) * time.Millisecond,
		bytes:   int64(max(cfg.BatchBytes, 1)),
		writers: make(map[string]*kafka.Writer),
	}, nil
}

func (k *KafkaProducer) topicWriter(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         k.addr,
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: k.acks,
			BatchTimeout: k.linger,
			BatchBytes:   k.bytes,
		}
		k.writers[topic] = w
	}
	return w
}

// ProduceBatch writes records in order. Records without a time are stamped
// with the call time.
func (k *KafkaProducer) ProduceBatch(ctx context.Context, topic string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	msgs := make([]kafka.Message, len(records))
	for i, rec := range records {
		if rec.Time.IsZero() {
			rec.Time = now
		}
		msgs[i] = kafka.Message{Key: rec.Key, Value: rec.Value, Time: rec.Time}
	}
	if err := k.topicWriter(topic).WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("produce %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() {
	k.mu.Lock()
	ws := k.writers
	k.writers = make(map[string]*kafka.Writer)
	k.mu.Unlock()
	for _, w := range ws {
		_ = w.Close()
	}
}

// Message is a fetched record with the coordinates needed to commit it.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Consumer is the tick feed side: poll, handle, commit.
type Consumer interface {
	Poll(ctx context.Context) (*Message, error)
	Commit(msg *Message) error
	Close()
}

// KafkaConsumer reads a consumer group from the newest offset, since the
// engine only cares about live ticks.
type KafkaConsumer struct {
	r *kafka.Reader
}

func NewConsumer(cfg KafkaConfig, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 || topics[0] == "" {
		return nil, fmt.Errorf("%w: consumer needs a topic", ErrConfigurationInvalid)
	}
	rc := kafka.ReaderConfig{
		Brokers:        cfg.BrokerList(),
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	}
	if len(topics) == 1 {
		rc.Topic = topics[0]
	} else {
		rc.GroupTopics = topics
	}
	return &KafkaConsumer{r: kafka.NewReader(rc)}, nil
}

func (k *KafkaConsumer) Poll(ctx context.Context) (*Message, error) {
	m, err := k.r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset, Key: m.Key, Value: m.Value, Time: m.Time}, nil
}

func (k *KafkaConsumer) Commit(msg *Message) error {
	if msg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return k.r.CommitMessages(ctx, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (k *KafkaConsumer) Close() { _ = k.r.Close() }

// Decode unmarshals a message payload into a T.
func Decode[T any](msg *Message) (T, error) {
	var v T
	if msg == nil {
		return v, errors.New("nil message")
	}
	err := sonnet.Unmarshal(msg.Value, &v)
	return v, err
}

func parseAcks(raw string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "-1":
		return kafka.RequireAll, nil
	case "one", "1", "":
		return kafka.RequireOne, nil
	case "none", "0":
		return kafka.RequireNone, nil
	}
	return 0, fmt.Errorf("%w: KAFKA_ACKS=%q", ErrConfigurationInvalid, raw)
}
