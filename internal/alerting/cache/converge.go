package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// ConvergeWindow is the stored state of one convergence window.
type ConvergeWindow struct {
	Primary    string `json:"primary"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	Count      int64  `json:"count"`
	Suppressed int64  `json:"suppressed"`
}

// ConvergeResult tells a joining action its role in the window.
type ConvergeResult struct {
	IsPrimary bool
	PrimaryID string
	Count     int64
}

func convergeKey(key string) string { return "converge:" + key }

// ARGV: action_id, now, window, sliding, can_primary
var convergeScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local win = tonumber(ARGV[3])
local obj = nil
local v = redis.call('GET', KEYS[1])
if v then obj = cjson.decode(v) end
if (not obj) or now >= tonumber(obj.end_time) then
  obj = {primary = '', start_time = now, end_time = now + win, count = 0, suppressed = 0}
end
obj.count = obj.count + 1
local is_primary = 0
if obj.primary == '' then
  if ARGV[5] == '1' then
    obj.primary = ARGV[1]
    is_primary = 1
  else
    obj.suppressed = obj.suppressed + 1
  end
end
if ARGV[4] == '1' then obj.end_time = now + win end
redis.call('SET', KEYS[1], cjson.encode(obj), 'EX', math.max(1, tonumber(obj.end_time) - now + win))
return {is_primary, obj.primary, obj.count}
`)

// JoinConverge adds actionID to the window at key. The first eligible joiner
// becomes primary; canPrimary=false joiners only count as suppressed.
func (c *Cache) JoinConverge(ctx context.Context, key, actionID string, now int64, window time.Duration, sliding, canPrimary bool) (ConvergeResult, error) {
	win := int64(window.Seconds())
	if win <= 0 {
		win = 1
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	res, err := convergeScript.Run(ctx, c.rdb, []string{convergeKey(key)},
		actionID, now, win, boolArg(sliding), boolArg(canPrimary)).Slice()
	if err != nil {
		return ConvergeResult{}, model.Transient("cache.join_converge", err)
	}
	isPrimary, _ := res[0].(int64)
	primary, _ := res[1].(string)
	count, _ := res[2].(int64)
	return ConvergeResult{IsPrimary: isPrimary == 1, PrimaryID: primary, Count: count}, nil
}

// Converge returns the window at key, or nil.
func (c *Cache) Converge(ctx context.Context, key string) (*ConvergeWindow, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, err := c.rdb.Get(ctx, convergeKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("cache.converge", err)
	}
	var w ConvergeWindow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, model.DataErr("cache.converge", err)
	}
	return &w, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
