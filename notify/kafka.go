package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/hazyhaar/vigie/idgen"
)

// KafkaChannel produces the JSON envelope to a Kafka topic, keyed by
// recipient. The route address is the topic.
type KafkaChannel struct {
	producer sarama.SyncProducer
	newID    func() string
}

// NewKafkaChannel wraps a sync producer. The producer config must set
// Producer.Return.Successes.
func NewKafkaChannel(producer sarama.SyncProducer) *KafkaChannel {
	return &KafkaChannel{producer: producer, newID: idgen.Prefixed("dlv_", idgen.UUIDv7())}
}

// NewKafkaProducer builds the sync producer used by KafkaChannel.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Return.Successes = true
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: new producer: %w", err)
	}
	return p, nil
}

// Name implements Channel.
func (c *KafkaChannel) Name() string { return "kafka" }

// Send implements Channel. sarama's SyncProducer does not take a context;
// the send is abandoned only if ctx is already done.
func (c *KafkaChannel) Send(ctx context.Context, address string, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{
		Type:        EnvelopeType,
		ID:          c.newID(),
		Timestamp:   time.Now().UTC(),
		RecipientID: p.RecipientID,
		Payload:     p,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka: marshal: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     address,
		Key:       sarama.StringEncoder(p.RecipientID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: env.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(EnvelopeType)},
			{Key: []byte("delivery_id"), Value: []byte(env.ID)},
		},
	}
	if _, _, err := c.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka: send to %s: %w", address, err)
	}
	return nil
}
