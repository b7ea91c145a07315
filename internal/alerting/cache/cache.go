package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/config"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultActiveTTL = 7 * 24 * time.Hour
	DefaultTimeout   = time.Second
)

// NewRedisClientFromConfig constructs a redis client from app config.
func NewRedisClientFromConfig(c *config.RedisConfig) *redis.Client {
	if c == nil {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// Cache holds the pipeline's shared Redis state.
type Cache struct {
	rdb       *redis.Client
	activeTTL time.Duration
	timeout   time.Duration
}

func New(rdb *redis.Client, activeTTL, timeout time.Duration) *Cache {
	if activeTTL <= 0 {
		activeTTL = DefaultActiveTTL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{rdb: rdb, activeTTL: activeTTL, timeout: timeout}
}

func (c *Cache) Client() *redis.Client { return c.rdb }

func (c *Cache) ActiveTTL() time.Duration { return c.activeTTL }

func (c *Cache) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func alertKey(dedup string) string        { return "alert_dedupe:" + dedup }
func alertVersionKey(dedup string) string { return "alert_dedupe_ver:" + dedup }
func activeKey(shard int) string          { return "alert_active:" + strconv.Itoa(shard) }

// GetAlert returns the cached snapshot, or nil when absent.
func (c *Cache) GetAlert(ctx context.Context, dedup string) (*model.Alert, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, err := c.rdb.Get(ctx, alertKey(dedup)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("cache.get_alert", err)
	}
	var a model.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, model.DataErr("cache.get_alert", fmt.Errorf("decode %s: %w", dedup, err))
	}
	return &a, nil
}

// AlertVersion returns the version of the cached snapshot, or -1 when absent.
func (c *Cache) AlertVersion(ctx context.Context, dedup string) (int64, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, alertVersionKey(dedup)).Int64()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return 0, model.Transient("cache.alert_version", err)
	}
	return v, nil
}

// SaveAlert writes the snapshot and its version with the active TTL.
func (c *Cache) SaveAlert(ctx context.Context, a *model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return model.DataErr("cache.save_alert", err)
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, alertKey(a.DedupMD5), data, c.activeTTL)
		p.Set(ctx, alertVersionKey(a.DedupMD5), a.Version, c.activeTTL)
		return nil
	})
	if err != nil {
		return model.Transient("cache.save_alert", err)
	}
	return nil
}

// AddActive indexes dedup under its shard.
func (c *Cache) AddActive(ctx context.Context, shard int, dedup string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.SAdd(ctx, activeKey(shard), dedup).Err(); err != nil {
		return model.Transient("cache.add_active", err)
	}
	return nil
}

func (c *Cache) RemoveActive(ctx context.Context, shard int, dedup string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.SRem(ctx, activeKey(shard), dedup).Err(); err != nil {
		return model.Transient("cache.remove_active", err)
	}
	return nil
}

// ActiveAlerts lists the dedup keys indexed under shard.
func (c *Cache) ActiveAlerts(ctx context.Context, shard int) ([]string, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	out, err := c.rdb.SMembers(ctx, activeKey(shard)).Result()
	if err != nil {
		return nil, model.Transient("cache.active_alerts", err)
	}
	return out, nil
}
