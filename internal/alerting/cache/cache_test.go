package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour, time.Second), mr
}

func TestAlertSnapshotRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	got, err := c.GetAlert(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	v, err := c.AlertVersion(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	a := &model.Alert{AlertID: "1700000000000001", DedupMD5: "d1", Status: model.StatusAbnormal, Severity: model.LevelWarning, EventCount: 3, Version: 4}
	require.NoError(t, c.SaveAlert(ctx, a))

	got, err = c.GetAlert(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.EventCount)
	v, _ = c.AlertVersion(ctx, "d1")
	assert.Equal(t, int64(4), v)
	assert.Equal(t, time.Hour, mr.TTL("alert_dedupe:d1"))
}

func TestActiveIndex(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.AddActive(ctx, 1, "a"))
	require.NoError(t, c.AddActive(ctx, 1, "b"))
	require.NoError(t, c.AddActive(ctx, 2, "c"))
	require.NoError(t, c.RemoveActive(ctx, 1, "a"))
	got, err := c.ActiveAlerts(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, got)
}

func TestRecordCheckReplacesAndTrims(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	k := SeriesKey{RuleID: 1, ItemID: 2, Fingerprint: "fp", Level: model.LevelWarning}

	for ts := int64(60); ts <= 600; ts += 60 {
		require.NoError(t, c.RecordCheck(ctx, k, CheckPoint{Timestamp: ts, Value: float64(ts), Anomalous: ts%120 == 0}, 5))
	}
	// same ts replaces the earlier member
	require.NoError(t, c.RecordCheck(ctx, k, CheckPoint{Timestamp: 600, Value: 1, Anomalous: false}, 5))

	all, err := c.LastChecks(ctx, k, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(360), all[0].Timestamp)
	assert.Equal(t, CheckPoint{Timestamp: 600, Value: 1}, all[4])

	win, err := c.CheckResults(ctx, k, 420, 540)
	require.NoError(t, err)
	require.Len(t, win, 2)
	assert.Equal(t, int64(480), win[0].Timestamp)
	assert.True(t, win[0].Anomalous)
	assert.False(t, win[1].Anomalous)
}

func TestCheckpointsNeverMoveBack(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	k := SeriesKey{RuleID: 1, ItemID: 2, Fingerprint: "fp", Level: model.LevelFatal}
	require.NoError(t, c.SetCheckpoint(ctx, k, 300))
	require.NoError(t, c.SetCheckpoint(ctx, k, 120))
	cps, err := c.Checkpoints(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, Checkpoint{Fingerprint: "fp", Level: model.LevelFatal, LastTS: 300}, cps[0])

	require.NoError(t, c.SetDims(ctx, 1, 2, "fp", map[string]string{"ip": "1"}))
	dims, err := c.Dims(ctx, 1, 2, "fp")
	require.NoError(t, err)
	assert.Equal(t, "1", dims["ip"])
}

func TestClaimAction(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := IdemKey("1700000000000001", "ABNORMAL", 3)

	res, _, err := c.ClaimAction(ctx, key, IdemRecord{ActionID: "a1", Status: model.ActionReceived, TS: 100}, time.Hour, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimNew, res)

	// still running and fresh: duplicate
	res, prev, err := c.ClaimAction(ctx, key, IdemRecord{ActionID: "a2", Status: model.ActionReceived, TS: 130}, time.Hour, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimDuplicate, res)
	require.NotNil(t, prev)
	assert.Equal(t, "a1", prev.ActionID)

	// stale non-terminal record may be reclaimed
	res, _, err = c.ClaimAction(ctx, key, IdemRecord{ActionID: "a3", Status: model.ActionReceived, TS: 200}, time.Hour, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimStale, res)

	require.NoError(t, c.FinishAction(ctx, key, "a3", model.ActionSuccess))
	rec, err := c.IdemRecordFor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSuccess, rec.Status)

	// terminal records are never reclaimed
	res, _, err = c.ClaimAction(ctx, key, IdemRecord{ActionID: "a4", Status: model.ActionReceived, TS: 10000}, time.Hour, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ClaimDuplicate, res)
}

func TestJoinConvergeTumbling(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	r1, err := c.JoinConverge(ctx, "k", "a1", 0, 5*time.Minute, false, true)
	require.NoError(t, err)
	assert.True(t, r1.IsPrimary)
	for i := 1; i < 10; i++ {
		r, err := c.JoinConverge(ctx, "k", "ax", int64(i*20), 5*time.Minute, false, true)
		require.NoError(t, err)
		assert.False(t, r.IsPrimary)
		assert.Equal(t, "a1", r.PrimaryID)
	}
	// a new window opens after expiry
	r, err := c.JoinConverge(ctx, "k", "b1", 301, 5*time.Minute, false, true)
	require.NoError(t, err)
	assert.True(t, r.IsPrimary)
	assert.Equal(t, int64(1), r.Count)
}

func TestJoinConvergeShieldedNeverPrimary(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	r, err := c.JoinConverge(ctx, "s", "a1", 0, time.Minute, false, false)
	require.NoError(t, err)
	assert.False(t, r.IsPrimary)
	assert.Equal(t, "", r.PrimaryID)
	w, err := c.Converge(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Suppressed)

	r, err = c.JoinConverge(ctx, "s", "a2", 10, time.Minute, false, true)
	require.NoError(t, err)
	assert.True(t, r.IsPrimary)
}

func TestJoinConvergeSliding(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	_, err := c.JoinConverge(ctx, "sl", "a1", 0, time.Minute, true, true)
	require.NoError(t, err)
	r, err := c.JoinConverge(ctx, "sl", "a2", 50, time.Minute, true, true)
	require.NoError(t, err)
	assert.False(t, r.IsPrimary)
	// 100 is inside the window extended by the join at 50
	r, err = c.JoinConverge(ctx, "sl", "a3", 100, time.Minute, true, true)
	require.NoError(t, err)
	assert.False(t, r.IsPrimary)
}

func TestMarkPointAndAck(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	ok, err := c.MarkPoint(ctx, 1, "fp", 60, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.MarkPoint(ctx, 1, "fp", 60, time.Minute)
	assert.False(t, ok)
	require.NoError(t, c.UnmarkPoints(ctx, []PointMark{{RuleID: 1, FP: "fp", TS: 60}}))
	ok, _ = c.MarkPoint(ctx, 1, "fp", 60, time.Minute)
	assert.True(t, ok, "released marks admit the point again")
	require.NoError(t, c.UnmarkPoints(ctx, nil))

	require.NoError(t, c.SetAckRequest(ctx, "d", AckRequest{Operator: "ops", TS: 1}))
	req, err := c.AckRequest(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "ops", req.Operator)
	require.NoError(t, c.ClearAckRequest(ctx, "d"))
	req, _ = c.AckRequest(ctx, "d")
	assert.Nil(t, req)
}

func TestSnapshotsAndIDs(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	s := &model.Strategy{ID: 1, Name: "cpu"}
	h, err := model.SnapshotKey(s)
	require.NoError(t, err)
	require.NoError(t, c.PutSnapshot(ctx, h, s))
	// a second put with different content under the same hash keeps the first
	require.NoError(t, c.PutSnapshot(ctx, h, &model.Strategy{ID: 1, Name: "changed"}))
	got, err := c.Snapshot(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "cpu", got.Name)

	g := NewIDGenerator(c)
	g.Now = func() time.Time { return time.Unix(1700000000, 0) }
	id1, err := g.Next(ctx, "action")
	require.NoError(t, err)
	id2, _ := g.Next(ctx, "action")
	assert.Equal(t, "1700000000000001", id1)
	assert.Equal(t, "1700000000000002", id2)

	n, err := c.IncrQoS(ctx, 1, 100, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = c.IncrQoS(ctx, 1, 110, time.Minute)
	assert.Equal(t, int64(2), n)
}

func TestTriggerStateDefaults(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	k := SeriesKey{RuleID: 1, ItemID: 1, Fingerprint: "f", Level: 2}
	st, err := c.TriggerState(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, TriggerState{}, st)
	require.NoError(t, c.SaveTriggerState(ctx, k, TriggerState{LastEventID: "e", Firing: true, BeginTime: 60}))
	st, _ = c.TriggerState(ctx, k)
	assert.True(t, st.Firing)
	assert.Equal(t, int64(60), st.BeginTime)
}
