package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// SeriesKey addresses per-level state of one series.
type SeriesKey struct {
	RuleID      int64
	ItemID      int64
	Fingerprint string
	Level       model.Level
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%d:%d:%s:%d", k.RuleID, k.ItemID, k.Fingerprint, k.Level)
}

func checkResultKey(k SeriesKey) string { return "check_result:" + k.String() }

func checkpointKey(ruleID, itemID int64) string {
	return fmt.Sprintf("last_checkpoint:%d:%d", ruleID, itemID)
}

func dimsKey(ruleID, itemID int64) string {
	return fmt.Sprintf("last_dims:%d:%d", ruleID, itemID)
}

// CheckPoint is one evaluated point of a series.
type CheckPoint struct {
	Timestamp int64
	Value     float64
	Anomalous bool
}

func encodeCheck(p CheckPoint) string {
	flag := "0"
	if p.Anomalous {
		flag = "1"
	}
	return strconv.FormatInt(p.Timestamp, 10) + "|" + strconv.FormatFloat(p.Value, 'f', -1, 64) + "|" + flag
}

func decodeCheck(s string) (CheckPoint, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return CheckPoint{}, fmt.Errorf("bad check member %q", s)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return CheckPoint{}, err
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return CheckPoint{}, err
	}
	return CheckPoint{Timestamp: ts, Value: v, Anomalous: parts[2] == "1"}, nil
}

// replaces any member at the same ts, then trims to the newest ARGV[3] members
var recordCheckScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local keep = tonumber(ARGV[3])
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(keep + 1))
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RecordCheck stores an evaluated point, keeping at most retain points per series.
func (c *Cache) RecordCheck(ctx context.Context, k SeriesKey, p CheckPoint, retain int) error {
	if retain <= 0 {
		retain = 30
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	_, err := recordCheckScript.Run(ctx, c.rdb, []string{checkResultKey(k)},
		p.Timestamp, encodeCheck(p), retain, int64(c.activeTTL.Seconds())).Result()
	if err != nil {
		return model.Transient("cache.record_check", err)
	}
	return nil
}

// CheckResults returns points with from < ts <= to, oldest first.
func (c *Cache) CheckResults(ctx context.Context, k SeriesKey, from, to int64) ([]CheckPoint, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	members, err := c.rdb.ZRangeByScore(ctx, checkResultKey(k), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, model.Transient("cache.check_results", err)
	}
	out := make([]CheckPoint, 0, len(members))
	for _, m := range members {
		p, err := decodeCheck(m)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LastChecks returns the newest n points, oldest first.
func (c *Cache) LastChecks(ctx context.Context, k SeriesKey, n int) ([]CheckPoint, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	members, err := c.rdb.ZRange(ctx, checkResultKey(k), int64(-n), -1).Result()
	if err != nil {
		return nil, model.Transient("cache.last_checks", err)
	}
	out := make([]CheckPoint, 0, len(members))
	for _, m := range members {
		if p, err := decodeCheck(m); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func checkpointField(fp string, level model.Level) string {
	return fp + "." + strconv.Itoa(int(level))
}

var checkpointScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SetCheckpoint advances the last checked ts of a series. It never moves backwards.
func (c *Cache) SetCheckpoint(ctx context.Context, k SeriesKey, ts int64) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	_, err := checkpointScript.Run(ctx, c.rdb, []string{checkpointKey(k.RuleID, k.ItemID)},
		checkpointField(k.Fingerprint, k.Level), ts, int64(c.activeTTL.Seconds())).Result()
	if err != nil {
		return model.Transient("cache.set_checkpoint", err)
	}
	return nil
}

// Checkpoint is the last checked ts of a series.
type Checkpoint struct {
	Fingerprint string
	Level       model.Level
	LastTS      int64
}

// Checkpoints lists all series checkpoints of an item.
func (c *Cache) Checkpoints(ctx context.Context, ruleID, itemID int64) ([]Checkpoint, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	m, err := c.rdb.HGetAll(ctx, checkpointKey(ruleID, itemID)).Result()
	if err != nil {
		return nil, model.Transient("cache.checkpoints", err)
	}
	out := make([]Checkpoint, 0, len(m))
	for field, v := range m {
		idx := strings.LastIndexByte(field, '.')
		if idx < 0 {
			continue
		}
		lvl, err := strconv.Atoi(field[idx+1:])
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Checkpoint{Fingerprint: field[:idx], Level: model.Level(lvl), LastTS: ts})
	}
	return out, nil
}

// SetDims remembers the dimensions of a series for synthetic no-data points.
func (c *Cache) SetDims(ctx context.Context, ruleID, itemID int64, fp string, dims map[string]string) error {
	data, err := json.Marshal(dims)
	if err != nil {
		return model.DataErr("cache.set_dims", err)
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	key := dimsKey(ruleID, itemID)
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fp, data)
		p.Expire(ctx, key, c.activeTTL)
		return nil
	})
	if err != nil {
		return model.Transient("cache.set_dims", err)
	}
	return nil
}

// Dims returns the remembered dimensions of a series.
func (c *Cache) Dims(ctx context.Context, ruleID, itemID int64, fp string) (map[string]string, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, err := c.rdb.HGet(ctx, dimsKey(ruleID, itemID), fp).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("cache.dims", err)
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, model.DataErr("cache.dims", err)
	}
	return out, nil
}
