package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// AckRequest is a manual acknowledgement waiting for the manager.
type AckRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
	TS       int64  `json:"ts"`
}

func ackKey(dedup string) string { return "alert_ack:" + dedup }

func (c *Cache) SetAckRequest(ctx context.Context, dedup string, req AckRequest) error {
	data, _ := json.Marshal(req)
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, ackKey(dedup), data, c.activeTTL).Err(); err != nil {
		return model.Transient("cache.set_ack", err)
	}
	return nil
}

// AckRequest returns the pending acknowledgement, or nil.
func (c *Cache) AckRequest(ctx context.Context, dedup string) (*AckRequest, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, err := c.rdb.Get(ctx, ackKey(dedup)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("cache.ack", err)
	}
	var req AckRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, model.DataErr("cache.ack", err)
	}
	return &req, nil
}

func (c *Cache) ClearAckRequest(ctx context.Context, dedup string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, ackKey(dedup)).Err(); err != nil {
		return model.Transient("cache.clear_ack", err)
	}
	return nil
}

// MarkPoint admits (rule, fingerprint, ts) once within ttl. It returns false for replays.
func (c *Cache) MarkPoint(ctx context.Context, ruleID int64, fp string, ts int64, ttl time.Duration) (bool, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(ctx, pointKey(ruleID, fp, ts), 1, ttl).Result()
	if err != nil {
		return false, model.Transient("cache.mark_point", err)
	}
	return ok, nil
}

// PointMark names one mark taken by MarkPoint.
type PointMark struct {
	RuleID int64
	FP     string
	TS     int64
}

// UnmarkPoints releases marks so the same points are admitted again.
func (c *Cache) UnmarkPoints(ctx context.Context, marks []PointMark) error {
	if len(marks) == 0 {
		return nil
	}
	keys := make([]string, len(marks))
	for i, m := range marks {
		keys[i] = pointKey(m.RuleID, m.FP, m.TS)
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return model.Transient("cache.unmark_points", err)
	}
	return nil
}

func pointKey(ruleID int64, fp string, ts int64) string {
	return fmt.Sprintf("access_dup:%d:%s:%d", ruleID, fp, ts)
}

// IncrQoS counts new alerts of a strategy in the current window.
func (c *Cache) IncrQoS(ctx context.Context, strategyID int64, now int64, window time.Duration) (int64, error) {
	w := int64(window.Seconds())
	if w <= 0 {
		w = 60
	}
	key := fmt.Sprintf("qos:%d:%d", strategyID, now/w)
	ctx, cancel := c.call(ctx)
	defer cancel()
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, 2*window)
		return nil
	})
	if err != nil {
		return 0, model.Transient("cache.incr_qos", err)
	}
	return incr.Val(), nil
}

func snapshotKey(hash string) string { return "strategy_snapshot:" + hash }

// PutSnapshot stores an immutable strategy snapshot. Existing snapshots are kept.
func (c *Cache) PutSnapshot(ctx context.Context, hash string, s *model.Strategy) error {
	data, err := json.Marshal(s)
	if err != nil {
		return model.DataErr("cache.put_snapshot", err)
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.SetNX(ctx, snapshotKey(hash), data, c.activeTTL).Err(); err != nil {
		return model.Transient("cache.put_snapshot", err)
	}
	return nil
}

// Snapshot returns the stored snapshot, or nil.
func (c *Cache) Snapshot(ctx context.Context, hash string) (*model.Strategy, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, err := c.rdb.Get(ctx, snapshotKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("cache.snapshot", err)
	}
	var s model.Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, model.DataErr("cache.snapshot", err)
	}
	return &s, nil
}

// IDGenerator issues time-prefixed ids from a per-second Redis counter.
type IDGenerator struct {
	c   *Cache
	Now func() time.Time
}

func NewIDGenerator(c *Cache) *IDGenerator { return &IDGenerator{c: c, Now: time.Now} }

func (g *IDGenerator) Next(ctx context.Context, kind string) (string, error) {
	sec := g.Now().Unix()
	key := fmt.Sprintf("id_seq:%s:%d", kind, sec)
	ctx, cancel := g.c.call(ctx)
	defer cancel()
	var incr *redis.IntCmd
	_, err := g.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, 5*time.Second)
		return nil
	})
	if err != nil {
		return "", model.Transient("cache.next_id", err)
	}
	return model.FormatID(sec, incr.Val()), nil
}
