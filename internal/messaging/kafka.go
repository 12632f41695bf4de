package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/backstage/fulfillment/config"
)

// Kafka consumes the configured topics as a consumer group and writes keyed
// messages to the outbound topic. The key is the order id, so one order's
// events share a partition.
type Kafka struct {
	reader *kafka.Reader
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewKafka(cfg config.KafkaConfig, log zerolog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}

	k := &Kafka{log: log}
	if len(cfg.Topics) > 0 {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			GroupTopics:    cfg.Topics,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0,
		})
	}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.OutboundTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	return k, nil
}

// Consume fetches messages until ctx is cancelled. Offsets are committed
// when a delivery completes.
func (k *Kafka) Consume(ctx context.Context, handler HandlerFunc) error {
	if k.reader == nil {
		return errors.New("no Kafka topics configured")
	}
	k.log.Info().Interface("topics", k.reader.Config().GroupTopics).Msg("Starting Kafka consumer")

	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to fetch Kafka message")
		}

		msg := &kafkaMessage{reader: k.reader, msg: m, log: k.log}
		if err := handler(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Send writes body under key. The topic travels as a header because the
// writer has one fixed outbound topic.
func (k *Kafka) Send(ctx context.Context, topic, key string, body []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
		},
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, kafka.MessageSizeTooLarge) || errors.Is(err, kafka.TopicAuthorizationFailed) {
		return Permanent(err)
	}
	return errors.Wrap(err, "failed to write Kafka message")
}

func (k *Kafka) Close(ctx context.Context) error {
	var first error
	if k.reader != nil {
		first = k.reader.Close()
	}
	if err := k.writer.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

type kafkaMessage struct {
	reader *kafka.Reader
	msg    kafka.Message
	log    zerolog.Logger
}

func (m *kafkaMessage) Body() []byte { return m.msg.Value }
func (m *kafkaMessage) Key() string  { return string(m.msg.Key) }

func (m *kafkaMessage) Complete(ctx context.Context) error {
	return m.reader.CommitMessages(ctx, m.msg)
}

// Abandon leaves the offset uncommitted. Kafka has no per-message
// redelivery; the message comes back after a rebalance or restart unless a
// later offset of the partition is committed first.
func (m *kafkaMessage) Abandon(ctx context.Context) error {
	m.log.Warn().
		Str("topic", m.msg.Topic).
		Int("partition", m.msg.Partition).
		Int64("offset", m.msg.Offset).
		Msg("Kafka message abandoned, offset left uncommitted")
	return nil
}
