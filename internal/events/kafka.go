package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
)

// Envelope wraps every published entry.
type Envelope struct {
	Type  string       `json:"type"`
	TS    int64        `json:"ts"`
	Entry ledger.Entry `json:"entry"`
}

// KafkaNotifier publishes committed entries to a topic, keyed by account
// address so that one account's entries stay ordered within a partition.
type KafkaNotifier struct {
	topic string
	p     sarama.SyncProducer
	now   func() time.Time
}

// NewKafkaNotifier dials brokers with a reliability-oriented producer config.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if topic == "" {
		return nil, errors.New("topic empty")
	}
	if len(brokers) == 0 {
		return nil, errors.New("no brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer requires both.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(p, topic), nil
}

// NewKafkaNotifierWithProducer uses an existing producer.
func NewKafkaNotifierWithProducer(p sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{topic: topic, p: p, now: time.Now}
}

func (k *KafkaNotifier) Notify(ctx context.Context, entry ledger.Entry) error {
	// SyncProducer does not take a context.
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(Envelope{Type: string(entry.Kind), TS: k.now().UnixMilli(), Entry: entry})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(entry.Address),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := k.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	if k.p != nil {
		return k.p.Close()
	}
	return nil
}
