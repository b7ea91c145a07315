package queue

import (
	"context"
	"sync"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Message is a stored topic message.
type Message struct {
	Key   string
	Value []byte
}

// MemoryTopic is an in-process Topic for single-binary runs and tests.
type MemoryTopic struct {
	mu     sync.Mutex
	topics map[string][]Message
	notify chan struct{}
}

func NewMemoryTopic() *MemoryTopic {
	return &MemoryTopic{topics: map[string][]Message{}, notify: make(chan struct{})}
}

func (t *MemoryTopic) Publish(_ context.Context, topic, key string, msg any) error {
	payload, err := encode(msg)
	if err != nil {
		return model.DataErr("memory_topic.publish", err)
	}
	t.mu.Lock()
	t.topics[topic] = append(t.topics[topic], Message{Key: key, Value: payload})
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
	return nil
}

func (t *MemoryTopic) next(topic string) (Message, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.topics[topic]
	if len(msgs) == 0 {
		return Message{}, false, t.notify
	}
	m := msgs[0]
	t.topics[topic] = msgs[1:]
	return m, true, nil
}

func (t *MemoryTopic) Consume(ctx context.Context, topic string, h Handler) error {
	for {
		m, ok, wait := t.next(topic)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			case <-time.After(time.Second):
			}
			continue
		}
		if err := h(ctx, m.Key, m.Value); err != nil {
			if model.KindOf(err) == model.KindFatal {
				return err
			}
			log.Error().Err(err).Str("topic", topic).Str("key", m.Key).Msg("drop message")
		}
	}
}

// Drain feeds all pending messages of topic to h, including ones published by h.
func (t *MemoryTopic) Drain(ctx context.Context, topic string, h Handler) (int, error) {
	n := 0
	for {
		m, ok, _ := t.next(topic)
		if !ok {
			return n, nil
		}
		n++
		if err := h(ctx, m.Key, m.Value); err != nil {
			return n, err
		}
	}
}

// Pending returns a copy of the undelivered messages of topic.
func (t *MemoryTopic) Pending(topic string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.topics[topic]...)
}

func (t *MemoryTopic) Close() error { return nil }
