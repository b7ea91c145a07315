// Package queue carries work between pipeline stages. Work queues are bounded
// lists keyed by name; topics are durable ordered logs consumed by groups.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// ErrBusy is returned by Push when the queue would exceed its capacity.
var ErrBusy = errors.New("queue busy")

// Work queue names.
const (
	TaskDetect  = "task:detect"
	TaskTrigger = "task:trigger"
)

// Topic names.
const (
	TopicIngest = "ingest"
	TopicEvent  = "event"
	TopicSignal = "signal"
)

// DataQueue is the Access→Detect queue of a rule.
func DataQueue(ruleID int64) string { return "data:" + strconv.FormatInt(ruleID, 10) }

// AnomalyQueue is the Detect→Trigger queue of a rule.
func AnomalyQueue(ruleID int64) string { return "anomaly:" + strconv.FormatInt(ruleID, 10) }

// Queue is a bounded FIFO of opaque payloads.
type Queue interface {
	// Push appends items, all or none. It returns ErrBusy when capacity would be exceeded.
	Push(ctx context.Context, name string, items ...[]byte) error
	// Pop removes up to max items from the head.
	Pop(ctx context.Context, name string, max int) ([][]byte, error)
	Len(ctx context.Context, name string) (int64, error)
}

// Delayer holds items until a due time.
type Delayer interface {
	PushDelayed(ctx context.Context, name string, item []byte, due int64) error
	PopDue(ctx context.Context, name string, now int64, max int) ([][]byte, error)
}

// Handler processes one topic message. A nil return commits it.
type Handler func(ctx context.Context, key string, value []byte) error

// Topic is a durable, partition-ordered message log.
type Topic interface {
	// Publish appends msg (JSON encoded) to topic. Messages with the same key keep their order.
	Publish(ctx context.Context, topic, key string, msg any) error
	// Consume blocks, feeding messages to h until ctx is done.
	Consume(ctx context.Context, topic string, h Handler) error
	Close() error
}

// Memory is an in-process Queue.
type Memory struct {
	mu       sync.Mutex
	capacity int
	lists    map[string][][]byte
	delayed  map[string][]delayedItem
}

type delayedItem struct {
	due  int64
	item []byte
}

func NewMemory(capacity int) *Memory {
	return &Memory{capacity: capacity, lists: map[string][][]byte{}, delayed: map[string][]delayedItem{}}
}

func (m *Memory) Push(_ context.Context, name string, items ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.lists[name])+len(items) > m.capacity {
		return ErrBusy
	}
	m.lists[name] = append(m.lists[name], items...)
	return nil
}

func (m *Memory) Pop(_ context.Context, name string, max int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[name]
	if max <= 0 || max > len(l) {
		max = len(l)
	}
	out := make([][]byte, max)
	copy(out, l[:max])
	m.lists[name] = l[max:]
	return out, nil
}

func (m *Memory) Len(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[name])), nil
}

func (m *Memory) PushDelayed(_ context.Context, name string, item []byte, due int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed[name] = append(m.delayed[name], delayedItem{due: due, item: item})
	return nil
}

func (m *Memory) PopDue(_ context.Context, name string, now int64, max int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	rest := m.delayed[name][:0]
	for _, d := range m.delayed[name] {
		if d.due <= now && (max <= 0 || len(out) < max) {
			out = append(out, d.item)
			continue
		}
		rest = append(rest, d)
	}
	m.delayed[name] = rest
	return out, nil
}
