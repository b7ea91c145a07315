package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNotAcquired is returned when another holder owns the key.
var ErrNotAcquired = errors.New("lease not acquired")

const DefaultTTL = 30 * time.Second

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AlertKey is the lease guarding mutations of one alert.
func AlertKey(dedupMD5 string) string { return "alert_update:" + dedupMD5 }

// DetectKey is the lease guarding detection of one rule.
func DetectKey(ruleID int64) string { return "detect:" + strconv.FormatInt(ruleID, 10) }

// TriggerKey is the lease guarding the trigger windows of one rule.
func TriggerKey(ruleID int64) string { return "trigger:" + strconv.FormatInt(ruleID, 10) }

// Manager hands out Redis-backed leases.
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewManager(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{rdb: rdb, ttl: ttl}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Lease is a held key. It must be released by its holder.
type Lease struct {
	m     *Manager
	key   string
	token string

	lost     atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Acquire takes key for the manager's TTL. It does not wait.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	if m.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, model.Transient("lease.acquire", err)
	}
	if !ok {
		return nil, model.LeaseErr("lease.acquire "+key, ErrNotAcquired)
	}
	return &Lease{m: m, key: key, token: token}, nil
}

func (l *Lease) Key() string { return l.key }

// Lost reports whether a renewal found the key owned by someone else.
func (l *Lease) Lost() bool { return l.lost.Load() }

// Renew extends the lease to a full TTL.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.m.rdb, []string{l.key}, l.token, l.m.ttl.Milliseconds()).Int64()
	if err != nil {
		return model.Transient("lease.renew", err)
	}
	if n == 0 {
		l.lost.Store(true)
		return model.LeaseErr("lease.renew "+l.key, ErrNotAcquired)
	}
	return nil
}

// KeepAlive renews the lease every TTL/3 until Release.
func (l *Lease) KeepAlive(ctx context.Context) {
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		t := time.NewTicker(l.m.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-t.C:
				if err := l.Renew(ctx); err != nil {
					log.Warn().Err(err).Str("lease", l.key).Msg("lease renew failed")
					if l.Lost() {
						return
					}
				}
			}
		}
	}()
}

// Release stops renewal and deletes the key if still held.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		if l.stop != nil {
			close(l.stop)
			<-l.done
		}
	})
	_, err := releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return model.Transient("lease.release", err)
	}
	return nil
}

// With runs fn while holding key, renewing it in the background.
func (m *Manager) With(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	l.KeepAlive(ctx)
	defer func() {
		// release on a fresh context so a cancelled caller still frees the key
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if rerr := l.Release(rctx); rerr != nil {
			log.Warn().Err(rerr).Str("lease", key).Msg("lease release failed")
		}
	}()
	return fn(ctx)
}
