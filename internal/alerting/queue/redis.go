package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// Redis is a Queue over Redis lists. Delayed items live in a sorted set scored by due time.
type Redis struct {
	rdb      *redis.Client
	capacity int
	timeout  time.Duration
}

func NewRedis(rdb *redis.Client, capacity int, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Redis{rdb: rdb, capacity: capacity, timeout: timeout}
}

// ARGV[1]=capacity, ARGV[2..]=items
var pushScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local n = #ARGV - 1
if cap > 0 and redis.call('LLEN', KEYS[1]) + n > cap then
  return 0
end
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
return 1
`)

var popScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local items = redis.call('LRANGE', KEYS[1], 0, n - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`)

func (q *Redis) Push(ctx context.Context, name string, items ...[]byte) error {
	if len(items) == 0 {
		return nil
	}
	args := make([]any, 0, len(items)+1)
	args = append(args, q.capacity)
	for _, it := range items {
		args = append(args, it)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	ok, err := pushScript.Run(ctx, q.rdb, []string{name}, args...).Int()
	if err != nil {
		return model.Transient("queue.push", err)
	}
	if ok == 0 {
		return ErrBusy
	}
	return nil
}

func (q *Redis) Pop(ctx context.Context, name string, max int) ([][]byte, error) {
	if max <= 0 {
		max = 1
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	res, err := popScript.Run(ctx, q.rdb, []string{name}, max).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, model.Transient("queue.pop", err)
	}
	out := make([][]byte, len(res))
	for i, s := range res {
		out[i] = []byte(s)
	}
	return out, nil
}

func (q *Redis) Len(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	n, err := q.rdb.LLen(ctx, name).Result()
	if err != nil {
		return 0, model.Transient("queue.len", err)
	}
	return n, nil
}

func delayKey(name string) string { return "delay:" + name }

// PushDelayed schedules item to become due at the given epoch second.
func (q *Redis) PushDelayed(ctx context.Context, name string, item []byte, due int64) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.rdb.ZAdd(ctx, delayKey(name), redis.Z{Score: float64(due), Member: item}).Err(); err != nil {
		return model.Transient("queue.push_delayed", err)
	}
	return nil
}

var popDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, it in ipairs(items) do
  redis.call('ZREM', KEYS[1], it)
end
return items
`)

// PopDue removes up to max delayed items due at or before now.
func (q *Redis) PopDue(ctx context.Context, name string, now int64, max int) ([][]byte, error) {
	if max <= 0 {
		max = 100
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	res, err := popDueScript.Run(ctx, q.rdb, []string{delayKey(name)}, strconv.FormatInt(now, 10), max).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, model.Transient("queue.pop_due", err)
	}
	out := make([][]byte, len(res))
	for i, s := range res {
		out[i] = []byte(s)
	}
	return out, nil
}
