package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(rdb, 3*time.Second), mr
}

func TestAcquireExclusive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, AlertKey("d1"))
	require.NoError(t, err)

	_, err = m.Acquire(ctx, AlertKey("d1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.Equal(t, model.KindLease, model.KindOf(err))

	require.NoError(t, l1.Release(ctx))
	l2, err := m.Acquire(ctx, AlertKey("d1"))
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestExpiredLeaseCannotRenewOrReleaseOthers(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, DetectKey(7))
	require.NoError(t, err)
	mr.FastForward(4 * time.Second)

	l2, err := m.Acquire(ctx, DetectKey(7))
	require.NoError(t, err, "ttl expiry frees the key")

	err = l1.Renew(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.True(t, l1.Lost())

	// releasing a stale lease must not delete the new holder's key
	require.NoError(t, l1.Release(ctx))
	assert.True(t, mr.Exists(DetectKey(7)))
	require.NoError(t, l2.Release(ctx))
	assert.False(t, mr.Exists(DetectKey(7)))
}

func TestRenewExtendsTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	l, err := m.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	require.NoError(t, l.Renew(ctx))
	mr.FastForward(2 * time.Second)
	assert.True(t, mr.Exists("k"))
}

func TestWithReleasesKey(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	ran := false
	err := m.With(ctx, "w", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("w"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("w"))

	boom := errors.New("boom")
	err = m.With(ctx, "w", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("w"))
}
