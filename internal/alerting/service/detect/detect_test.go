package detect

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/prom"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHistory struct {
	recent []cache.CheckPoint
	at     map[int64]float64
}

func (h staticHistory) Recent(_ context.Context, n int) ([]cache.CheckPoint, error) {
	if n >= len(h.recent) {
		return h.recent, nil
	}
	return h.recent[len(h.recent)-n:], nil
}

func (h staticHistory) ValueAt(_ context.Context, ts int64) (float64, bool, error) {
	v, ok := h.at[ts]
	return v, ok, nil
}

func point(ts int64, v float64) *model.DataPoint {
	return &model.DataPoint{RuleID: 1, ItemID: 10, Fingerprint: "fp", Timestamp: ts, Value: v}
}

func TestThresholdBoundaries(t *testing.T) {
	cases := []struct {
		method string
		value  float64
		want   bool
	}{
		{"gte", 50, true},
		{"gt", 50, false},
		{"lte", 50, true},
		{"lt", 50, false},
		{"eq", 50, true},
		{"neq", 50, false},
		{"gt", 50.01, true},
	}
	for _, tc := range cases {
		alg, err := DefaultRegistry(nil).Build(model.AlgorithmConfig{Kind: KindThreshold,
			Config: map[string]any{"method": tc.method, "threshold": 50}})
		require.NoError(t, err)
		v, err := alg.Detect(context.Background(), point(60, tc.value), staticHistory{})
		require.NoError(t, err)
		assert.Equal(t, tc.want, v.Anomalous, "%s %v", tc.method, tc.value)
	}
}

func TestThresholdConditionGroups(t *testing.T) {
	alg, err := DefaultRegistry(nil).Build(model.AlgorithmConfig{Kind: KindThreshold, Config: map[string]any{
		"conditions": []any{
			[]any{map[string]any{"method": "gt", "threshold": 10}, map[string]any{"method": "lt", "threshold": 20}},
			[]any{map[string]any{"method": "gte", "threshold": 100}},
		},
	}})
	require.NoError(t, err)
	for v, want := range map[float64]bool{15: true, 25: false, 100: true, 5: false} {
		got, err := alg.Detect(context.Background(), point(60, v), staticHistory{})
		require.NoError(t, err)
		assert.Equal(t, want, got.Anomalous, "value %v", v)
	}
}

func TestRegistryRejectsUnknownAndInvalid(t *testing.T) {
	r := DefaultRegistry(nil)
	_, err := r.Build(model.AlgorithmConfig{Kind: "magic"})
	assert.Equal(t, model.KindConfig, model.KindOf(err))
	_, err = r.Build(model.AlgorithmConfig{Kind: KindThreshold, Config: map[string]any{"method": "like", "threshold": 1}})
	assert.Equal(t, model.KindConfig, model.KindOf(err))
	_, err = r.Build(model.AlgorithmConfig{Kind: KindIntelligent})
	assert.Equal(t, model.KindConfig, model.KindOf(err), "intelligent needs an api")
	assert.Equal(t, []string{KindForecasting, KindRingRatio, KindThreshold, KindYearRound}, r.Kinds())
}

func TestRingRatioAndYearRound(t *testing.T) {
	r := DefaultRegistry(nil)
	ring, err := r.Build(model.AlgorithmConfig{Kind: KindRingRatio, Config: map[string]any{"ceil": 50, "floor": 50}})
	require.NoError(t, err)
	h := staticHistory{recent: []cache.CheckPoint{{Timestamp: 0, Value: 40}}, at: map[int64]float64{0: 20}}
	v, err := ring.Detect(context.Background(), point(60, 60), h)
	require.NoError(t, err)
	assert.True(t, v.Anomalous)
	v, err = ring.Detect(context.Background(), point(60, 50), h)
	require.NoError(t, err)
	assert.False(t, v.Anomalous)
	v, err = ring.Detect(context.Background(), point(60, 10), h)
	require.NoError(t, err)
	assert.True(t, v.Anomalous)

	yr, err := r.Build(model.AlgorithmConfig{Kind: KindYearRound, Config: map[string]any{"days": 7, "ceil": 100}})
	require.NoError(t, err)
	v, err = yr.Detect(context.Background(), point(86400*7, 45), h)
	require.NoError(t, err)
	assert.True(t, v.Anomalous)
	v, err = yr.Detect(context.Background(), point(86400*8, 45), h)
	require.NoError(t, err)
	assert.False(t, v.Anomalous, "no history means no verdict")
}

func TestForecastingBand(t *testing.T) {
	alg, err := DefaultRegistry(nil).Build(model.AlgorithmConfig{Kind: KindForecasting, Config: map[string]any{"sigma": 3, "min_points": 5}})
	require.NoError(t, err)
	var hist []cache.CheckPoint
	for i, v := range []float64{10, 11, 9, 10, 11, 9, 10, 11, 9, 10} {
		hist = append(hist, cache.CheckPoint{Timestamp: int64(i * 60), Value: v})
	}
	v, err := alg.Detect(context.Background(), point(600, 10.5), staticHistory{recent: hist})
	require.NoError(t, err)
	assert.False(t, v.Anomalous)
	v, err = alg.Detect(context.Background(), point(600, 40), staticHistory{recent: hist})
	require.NoError(t, err)
	assert.True(t, v.Anomalous)
	v, err = alg.Detect(context.Background(), point(600, 40), staticHistory{recent: hist[:3]})
	require.NoError(t, err)
	assert.False(t, v.Anomalous, "too little history")
}

type fakeAPI struct {
	calls int
	spans []prom.Anomaly
}

func (f *fakeAPI) Detect(context.Context, prom.AnomalyMeta, []prom.Point) ([]prom.Anomaly, error) {
	f.calls++
	return f.spans, nil
}

type fixture struct {
	svc   *Service
	q     *queue.Memory
	cache *cache.Cache
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	now   time.Time
}

func thresholdStrategy() model.Strategy {
	return model.Strategy{
		ID: 1, BizID: 2, Enabled: true,
		Items: []model.Item{{ID: 10, Interval: 60, Algorithms: []model.AlgorithmConfig{
			{ID: 100, Level: model.LevelFatal, Kind: KindThreshold, Config: map[string]any{"method": "gt", "threshold": 90}},
			{ID: 101, Level: model.LevelWarning, Kind: KindThreshold, Config: map[string]any{"method": "gt", "threshold": 50}},
		}}},
		Trigger:  model.TriggerConfig{Count: 3, CheckWindow: 3},
		Recovery: model.RecoveryCfg{CheckWindow: 2},
	}
}

func newFixture(t *testing.T, st model.Strategy, api AnomalyDetector) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fx := &fixture{q: queue.NewMemory(100), mr: mr, rdb: rdb, now: time.Unix(1000, 0)}
	fx.cache = cache.New(rdb, time.Hour, time.Second)
	fx.svc = New(Deps{
		Rules:     ruleset.NewStaticStore(&ruleset.Data{Strategies: []model.Strategy{st}}),
		Cache:     fx.cache,
		Queue:     fx.q,
		Delayer:   fx.q,
		Leases:    lease.NewManager(rdb, time.Second*30),
		Registry:  DefaultRegistry(api),
		HighWater: 2,
		Shards:    1,
		Now:       func() time.Time { return fx.now },
	})
	return fx
}

func (fx *fixture) feed(t *testing.T, pts ...*model.DataPoint) {
	t.Helper()
	for _, p := range pts {
		p.Dims = map[string]string{"ip": "10.0.0.1"}
		b, err := json.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, fx.q.Push(context.Background(), queue.DataQueue(1), b))
	}
}

func (fx *fixture) anomalies(t *testing.T) []model.AnomalyPoint {
	t.Helper()
	items, err := fx.q.Pop(context.Background(), queue.AnomalyQueue(1), 0)
	require.NoError(t, err)
	out := make([]model.AnomalyPoint, len(items))
	for i, b := range items {
		require.NoError(t, json.Unmarshal(b, &out[i]))
	}
	return out
}

func TestRunRuleEmitsMostSevereLevelAndRecordsChecks(t *testing.T) {
	fx := newFixture(t, thresholdStrategy(), nil)
	ctx := context.Background()
	fx.feed(t, point(60, 10), point(120, 80), point(180, 95))

	res, err := fx.svc.RunRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Emitted)

	aps := fx.anomalies(t)
	require.Len(t, aps, 2)
	assert.Equal(t, model.LevelWarning, aps[0].Level)
	assert.Equal(t, int64(101), aps[0].AlgoID)
	assert.Equal(t, model.LevelFatal, aps[1].Level)
	assert.NotEmpty(t, aps[1].StrategySnapshotKey)

	warn, err := fx.cache.LastChecks(ctx, cache.SeriesKey{RuleID: 1, ItemID: 10, Fingerprint: "fp", Level: model.LevelWarning}, 10)
	require.NoError(t, err)
	assert.Equal(t, []cache.CheckPoint{
		{Timestamp: 60, Value: 10},
		{Timestamp: 120, Value: 80, Anomalous: true},
		{Timestamp: 180, Value: 95, Anomalous: true},
	}, warn)

	snap, err := fx.cache.Snapshot(ctx, aps[0].StrategySnapshotKey)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.ID)
}

func TestRunRuleDropsReplayedPoints(t *testing.T) {
	fx := newFixture(t, thresholdStrategy(), nil)
	fx.feed(t, point(120, 80))
	_, err := fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	fx.anomalies(t)

	fx.feed(t, point(120, 80))
	res, err := fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Emitted)
}

func TestRunRuleSkipsWhenLeaseHeld(t *testing.T) {
	fx := newFixture(t, thresholdStrategy(), nil)
	fx.feed(t, point(60, 80))
	require.NoError(t, fx.rdb.Set(context.Background(), lease.DetectKey(1), "other", time.Minute).Err())

	_, err := fx.svc.RunRule(context.Background(), 1)
	assert.Equal(t, model.KindLease, model.KindOf(err))
	n, _ := fx.q.Len(context.Background(), queue.DataQueue(1))
	assert.Equal(t, int64(1), n, "data stays queued")
}

func TestBusyRuleSkipsOptionalAlgorithms(t *testing.T) {
	st := thresholdStrategy()
	st.Items[0].Algorithms = []model.AlgorithmConfig{{ID: 200, Level: model.LevelWarning, Kind: KindIntelligent}}
	api := &fakeAPI{spans: []prom.Anomaly{{Start: 0, End: 10000}}}
	fx := newFixture(t, st, api)
	fx.svc.d.MaxBatch = 1

	fx.feed(t, point(60, 1), point(120, 1), point(180, 1), point(240, 1))
	res, err := fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Busy)
	assert.True(t, fx.svc.Busy(1))
	assert.Equal(t, 0, api.calls)

	fx.svc.d.MaxBatch = 10
	res, err = fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Busy)
	assert.Equal(t, 3, api.calls)
	assert.Equal(t, 3, res.Emitted)
}

func TestNoDataEmitsSyntheticAnomalyOncePerInterval(t *testing.T) {
	st := thresholdStrategy()
	st.NoData = model.NoDataConfig{Enabled: true, Continuous: 2, Level: model.LevelWarning}
	fx := newFixture(t, st, nil)
	fx.now = time.Unix(100, 0)
	fx.feed(t, point(60, 10))
	_, err := fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, fx.anomalies(t))

	fx.now = time.Unix(60+121, 0)
	res, err := fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Emitted)
	aps := fx.anomalies(t)
	require.Len(t, aps, 1)
	assert.True(t, aps[0].NoData)
	assert.Equal(t, int64(180), aps[0].Timestamp)
	assert.Equal(t, map[string]string{"ip": "10.0.0.1"}, aps[0].Dims)

	res, err = fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Emitted)
}

func TestFullAnomalyQueueParksBatch(t *testing.T) {
	fx := newFixture(t, thresholdStrategy(), nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, fx.q.Push(context.Background(), queue.AnomalyQueue(1), []byte("{}")))
	}
	fx.feed(t, point(60, 80))
	_, err := fx.svc.RunRule(context.Background(), 1)
	require.NoError(t, err)
	due, err := fx.q.PopDue(context.Background(), queue.AnomalyQueue(1), fx.now.Unix(), 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCacheFailureParksRestOfBatch(t *testing.T) {
	st := thresholdStrategy()
	it := st.Items[0]
	it.ID = 11
	st.Items = append(st.Items, it)
	fx := newFixture(t, st, nil)
	ctx := context.Background()

	second := point(60, 20)
	second.ItemID = 11
	third := point(120, 20)
	third.ItemID = 11
	fx.feed(t, point(60, 80), second, third)
	// a key of the wrong type makes the dims write of item 11 fail
	require.NoError(t, fx.mr.Set("last_dims:1:11", "x"))

	res, err := fx.svc.RunRule(ctx, 1)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	assert.Equal(t, 1, res.Processed)

	aps := fx.anomalies(t)
	require.Len(t, aps, 1, "anomalies found before the failure are kept")
	assert.Equal(t, int64(10), aps[0].ItemID)

	parked, err := fx.q.PopDue(ctx, queue.DataQueue(1), fx.now.Unix()+1, 0)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	l, _ := fx.q.Len(ctx, queue.DataQueue(1))
	assert.Zero(t, l)

	fx.mr.Del("last_dims:1:11")
	require.NoError(t, fx.q.Push(ctx, queue.DataQueue(1), parked...))
	res, err = fx.svc.RunRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	checks, err := fx.cache.LastChecks(ctx, cache.SeriesKey{RuleID: 1, ItemID: 11, Fingerprint: "fp", Level: model.LevelWarning}, 10)
	require.NoError(t, err)
	assert.Len(t, checks, 2)
}
