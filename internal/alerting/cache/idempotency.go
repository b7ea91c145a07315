package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

const DefaultIdempotencyTTL = 24 * time.Hour

// IdemRecord is the stored outcome of one (alert, signal, template) firing.
type IdemRecord struct {
	ActionID string             `json:"action_id"`
	Status   model.ActionStatus `json:"status"`
	TS       int64              `json:"ts"`
}

// ClaimResult tells the caller whether it may fire.
type ClaimResult int

const (
	// ClaimDuplicate means a record exists and must not be fired again.
	ClaimDuplicate ClaimResult = iota
	// ClaimNew means the key was free and is now held by the caller.
	ClaimNew
	// ClaimStale means a non-terminal record outlived its deadline and was taken over.
	ClaimStale
)

// IdemKey is the idempotency key of a firing.
func IdemKey(alertID string, signalKey string, templateID int64) string {
	return fmt.Sprintf("action_idem:%s:%s:%d", alertID, signalKey, templateID)
}

var claimScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return {1, ''}
end
local obj = cjson.decode(v)
if obj.status ~= 'received' and obj.status ~= 'running' then
  return {0, v}
end
if tonumber(obj.ts) + tonumber(ARGV[4]) <= tonumber(ARGV[3]) then
  redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
  return {2, v}
end
return {0, v}
`)

// ClaimAction records rec under key unless a live record exists. A record still
// received/running after staleAfter may be reclaimed for reconciliation.
func (c *Cache) ClaimAction(ctx context.Context, key string, rec IdemRecord, ttl, staleAfter time.Duration) (ClaimResult, *IdemRecord, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return ClaimDuplicate, nil, model.DataErr("cache.claim_action", err)
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	res, err := claimScript.Run(ctx, c.rdb, []string{key}, data, ttl.Milliseconds(), rec.TS, int64(staleAfter.Seconds())).Slice()
	if err != nil {
		return ClaimDuplicate, nil, model.Transient("cache.claim_action", err)
	}
	code, _ := res[0].(int64)
	var prev *IdemRecord
	if s, ok := res[1].(string); ok && s != "" {
		var p IdemRecord
		if json.Unmarshal([]byte(s), &p) == nil {
			prev = &p
		}
	}
	return ClaimResult(code), prev, nil
}

var updateIdemScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local obj = cjson.decode(v)
if obj.action_id ~= ARGV[1] then return -1 end
obj.status = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(obj), 'KEEPTTL')
return 1
`)

// FinishAction sets the status of the record owned by actionID.
func (c *Cache) FinishAction(ctx context.Context, key, actionID string, status model.ActionStatus) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	if _, err := updateIdemScript.Run(ctx, c.rdb, []string{key}, actionID, string(status)).Result(); err != nil {
		return model.Transient("cache.finish_action", err)
	}
	return nil
}

// IdemRecordFor returns the record at key, or nil.
func (c *Cache) IdemRecordFor(ctx context.Context, key string) (*IdemRecord, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("cache.idem_record", err)
	}
	var rec IdemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, model.DataErr("cache.idem_record", err)
	}
	return &rec, nil
}
