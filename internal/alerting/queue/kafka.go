package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/retry"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"
)

// writerInterface allows mocking kafka.Writer.
type writerInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// readerInterface allows mocking kafka.Reader.
type readerInterface interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaConfig locates the cluster.
type KafkaConfig struct {
	Brokers       []string
	TopicPrefix   string
	ConsumerGroup string
}

// Kafka is a Topic backed by Kafka. Messages are keyed so that one key maps to one partition.
type Kafka struct {
	writer        writerInterface
	brokers       []string
	topicPrefix   string
	consumerGroup string
	readerCreator func(config kafkago.ReaderConfig) readerInterface
	retry         retry.Policy
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are missing")
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{
		writer:        writer,
		brokers:       cfg.Brokers,
		topicPrefix:   cfg.TopicPrefix,
		consumerGroup: cfg.ConsumerGroup,
		readerCreator: func(c kafkago.ReaderConfig) readerInterface {
			return kafkago.NewReader(c)
		},
		retry: retry.Default,
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, topic, key string, msg any) error {
	payload, err := encode(msg)
	if err != nil {
		return model.DataErr("kafka.publish", err)
	}
	err = k.writer.WriteMessages(ctx, kafkago.Message{
		Topic: k.topicPrefix + topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return model.Transient("kafka.publish", err)
	}
	return nil
}

// Consume reads topic in the configured consumer group and commits each message
// after h accepts it. Transient failures are retried, then the message is
// republished at the tail; other failures drop it.
func (k *Kafka) Consume(ctx context.Context, topic string, h Handler) error {
	if h == nil {
		return fmt.Errorf("kafka consume: handler cannot be nil")
	}
	groupID := k.consumerGroup
	if groupID == "" {
		groupID = fmt.Sprintf("alarmflow-%s", uuid.New().String())
	}
	reader := k.readerCreator(kafkago.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  groupID,
		Topic:    k.topicPrefix + topic,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() { _ = reader.Close() }()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return model.Transient("kafka.fetch", err)
		}
		key := string(m.Key)
		err = k.retry.Do(ctx, "kafka.handle", func() error { return h(ctx, key, m.Value) })
		switch {
		case err == nil:
		case model.IsTransient(err):
			log.Warn().Err(err).Str("topic", topic).Str("key", key).Msg("requeue message after retries")
			if perr := k.writer.WriteMessages(ctx, kafkago.Message{Topic: m.Topic, Key: m.Key, Value: m.Value}); perr != nil {
				// not committed; redelivered on restart
				return model.Transient("kafka.requeue", errors.Join(err, perr))
			}
		case model.KindOf(err) == model.KindFatal:
			return err
		default:
			log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("drop message")
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return model.Transient("kafka.commit", err)
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(msg)
}
