package cache

import (
	"context"
	"encoding/json"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// TriggerState is the persisted trigger machine of one series level.
type TriggerState struct {
	LastEventID string `json:"last_event_id"`
	Firing      bool   `json:"firing"`
	BeginTime   int64  `json:"begin_time"`
	LastAnomaly int64  `json:"last_anomaly"`
	LastEmit    int64  `json:"last_emit"`
}

func triggerStateKey(k SeriesKey) string { return "trigger_state:" + k.String() }

// TriggerState returns the stored state; the zero value when absent.
func (c *Cache) TriggerState(ctx context.Context, k SeriesKey) (TriggerState, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	var st TriggerState
	data, err := c.rdb.Get(ctx, triggerStateKey(k)).Bytes()
	if err == redis.Nil {
		return st, nil
	}
	if err != nil {
		return st, model.Transient("cache.trigger_state", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return TriggerState{}, nil
	}
	return st, nil
}

func (c *Cache) SaveTriggerState(ctx context.Context, k SeriesKey, st TriggerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return model.DataErr("cache.save_trigger_state", err)
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, triggerStateKey(k), data, c.activeTTL).Err(); err != nil {
		return model.Transient("cache.save_trigger_state", err)
	}
	return nil
}
