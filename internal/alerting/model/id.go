package model

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const idSeqDigits = 6

// FormatID renders a time-prefixed id: 10 digits of epoch seconds followed by the sequence.
func FormatID(sec int64, seq int64) string {
	return fmt.Sprintf("%010d%06d", sec, seq%1000000)
}

// IDTime recovers the creation second encoded in an id built by FormatID.
func IDTime(id string) (time.Time, error) {
	if len(id) < 10+idSeqDigits {
		return time.Time{}, fmt.Errorf("id %q too short", id)
	}
	sec, err := strconv.ParseInt(id[:10], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("id %q: %w", id, err)
	}
	return time.Unix(sec, 0), nil
}

// IDGenerator issues time-prefixed ids unique per kind.
type IDGenerator interface {
	Next(ctx context.Context, kind string) (string, error)
}

// LocalIDGenerator issues ids from an in-process per-second counter.
type LocalIDGenerator struct {
	mu  sync.Mutex
	sec int64
	seq map[string]int64
	Now func() time.Time
}

func NewLocalIDGenerator() *LocalIDGenerator {
	return &LocalIDGenerator{seq: map[string]int64{}, Now: time.Now}
}

func (g *LocalIDGenerator) Next(_ context.Context, kind string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sec := g.Now().Unix()
	if sec != g.sec {
		g.sec = sec
		g.seq = map[string]int64{}
	}
	g.seq[kind]++
	return FormatID(sec, g.seq[kind]), nil
}
