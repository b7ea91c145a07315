package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/retry"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/service/persist"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/qiniu/alarmflow/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = 6000

func pipelineData() *ruleset.Data {
	return &ruleset.Data{
		Strategies: []model.Strategy{{
			ID: 1, BizID: 2, Name: "cpu", Enabled: true,
			Items: []model.Item{{ID: 10, DataSource: model.DataSourceTimeSeries, Metric: "usage", Interval: 60,
				Dimensions: []string{"ip"},
				Algorithms: []model.AlgorithmConfig{{ID: 101, Level: model.LevelWarning, Kind: "threshold",
					Config: map[string]any{"method": "gt", "threshold": 50}}}}},
			Trigger:  model.TriggerConfig{Count: 3, CheckWindow: 3},
			Recovery: model.RecoveryCfg{CheckWindow: 2},
			Notice:   model.ActionRef{TemplateID: 100, UserGroups: []int64{7}},
		}},
		UserGroups: []model.UserGroup{{ID: 7, BizID: 2, Name: "team", Users: []string{"alice"}}},
		Templates: []model.ActionTemplate{{ID: 100, BizID: 2, PluginType: model.PluginNotice,
			Signals: []model.Signal{model.SignalAbnormal, model.SignalRecovered, model.SignalClosed}}},
	}
}

type notices struct {
	mu      sync.Mutex
	signals []model.Signal
}

func (n *notices) list() []model.Signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Signal(nil), n.signals...)
}

type pipeline struct {
	app     *App
	topic   *queue.MemoryTopic
	store   *store.Memory
	cache   *cache.Cache
	notices *notices
	now     time.Time
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	return newPipelineWith(t, pipelineData())
}

func newPipelineWith(t *testing.T, data *ruleset.Data) *pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := &pipeline{topic: queue.NewMemoryTopic(), store: store.NewMemory(), notices: &notices{}, now: time.Unix(t0, 0)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Signal model.Signal `json:"signal"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.notices.mu.Lock()
		p.notices.signals = append(p.notices.signals, body.Signal)
		p.notices.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"msg_id":"m1"}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{Role: RoleAllInOne}
	cfg.Alerting.Shards.Count = 1
	cfg.Alerting.Dispatch.NoticeURL = srv.URL
	cfg.Alerting.Dispatch.PluginTimeout = "2s"

	now := func() time.Time { return p.now }
	p.cache = cache.New(rdb, time.Hour, time.Second)
	q := queue.NewMemory(0)
	ids := cache.NewIDGenerator(p.cache)
	ids.Now = now
	reg := prometheus.NewRegistry()
	d := &Deps{
		Cfg:      cfg,
		Redis:    rdb,
		Cache:    p.cache,
		Leases:   lease.NewManager(rdb, 30*time.Second),
		Queue:    q,
		Delayer:  q,
		Topic:    p.topic,
		Store:    p.store,
		Rules:    ruleset.NewStaticStore(data),
		Hosts:    ruleset.Static{D: data},
		Registry: reg,
		Metrics:  telemetry.NewMetrics(reg),
		Once:     telemetry.NewOnceLogger(time.Hour),
		IDs:      ids,
		Now:      now,
	}
	d.Writer = &persist.Writer{Cache: d.Cache, Store: d.Store, Topic: d.Topic, Metrics: d.Metrics, Retry: retry.NoWait, Shards: 1}

	a, err := New(d, Options{Role: RoleAllInOne, NoServer: true})
	require.NoError(t, err)
	p.app = a
	return p
}

// step feeds one point through every stage at its own timestamp.
func (p *pipeline) step(t *testing.T, ts int64, v float64) {
	t.Helper()
	ctx := context.Background()
	p.now = time.Unix(ts, 0)
	_, err := p.app.Access.Ingest(ctx, []*model.RawRecord{{RuleID: 1, ItemID: 10, Timestamp: ts, Value: &v,
		Dimensions: map[string]any{"ip": "10.0.0.1"}}})
	require.NoError(t, err)
	_, err = p.app.Detect.RunRule(ctx, 1)
	require.NoError(t, err)
	_, err = p.app.Trigger.RunRule(ctx, 1)
	require.NoError(t, err)
	p.flush(t)
}

func (p *pipeline) flush(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := p.topic.Drain(ctx, queue.TopicEvent, p.app.Composer.Handle)
	require.NoError(t, err)
	_, err = p.topic.Drain(ctx, queue.TopicSignal, p.app.Dispatcher.Handle)
	require.NoError(t, err)
}

func (p *pipeline) alert(t *testing.T) *model.Alert {
	t.Helper()
	evs := p.store.Events()
	require.NotEmpty(t, evs)
	a, err := p.cache.GetAlert(context.Background(), evs[0].DedupMD5)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func TestPipelineRaisesAndRecovers(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	values := []float64{10, 80, 85, 90}
	for i, v := range values {
		p.step(t, t0+int64(i)*60, v)
	}

	evs := p.store.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, int64(t0+60), evs[0].BeginTime)
	assert.Equal(t, int64(t0+180), evs[0].CreateTime)

	a := p.alert(t)
	assert.Equal(t, model.StatusAbnormal, a.Status)
	assert.Equal(t, model.LevelWarning, a.Severity)
	assert.Equal(t, int64(1), a.EventCount)
	assert.Equal(t, []model.Signal{model.SignalAbnormal}, p.notices.list())

	p.step(t, t0+240, 10)
	p.step(t, t0+300, 10)
	_, err := p.app.Manager.RunOnce(ctx)
	require.NoError(t, err)
	p.flush(t)

	a = p.alert(t)
	assert.Equal(t, model.StatusRecovered, a.Status)
	assert.Equal(t, int64(t0+300), a.EndTime)
	assert.Equal(t, int64(240), a.Duration)
	assert.Equal(t, []model.Signal{model.SignalAbnormal, model.SignalRecovered}, p.notices.list())

	var primaries int
	for _, ai := range p.store.AllActions() {
		if ai.Signal == model.SignalAbnormal && ai.PluginType == model.PluginNotice {
			primaries++
			assert.Equal(t, []string{"alice"}, ai.Receivers)
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestPipelineRecoversAlertWithAssignedSeverity(t *testing.T) {
	data := pipelineData()
	data.AssignGroups = []model.AssignGroup{{ID: 1, BizID: 2, Priority: 10, Enabled: true,
		Rules: []model.AssignRule{{ID: 11, Enabled: true, UserGroups: []int64{7}, AlertSeverity: model.LevelFatal}}}}
	p := newPipelineWith(t, data)
	ctx := context.Background()

	for i, v := range []float64{10, 80, 85, 90} {
		p.step(t, t0+int64(i)*60, v)
	}
	a := p.alert(t)
	assert.Equal(t, model.StatusAbnormal, a.Status)
	assert.Equal(t, model.LevelFatal, a.Severity)
	assert.Equal(t, model.LevelWarning, a.EventLevel())

	p.step(t, t0+240, 10)
	p.step(t, t0+300, 10)
	_, err := p.app.Manager.RunOnce(ctx)
	require.NoError(t, err)
	p.flush(t)

	a = p.alert(t)
	assert.Equal(t, model.StatusRecovered, a.Status)
	assert.Equal(t, int64(t0+300), a.EndTime)
	assert.Equal(t, model.LevelFatal, a.Severity)
	assert.Equal(t, []model.Signal{model.SignalAbnormal, model.SignalRecovered}, p.notices.list())
}

func TestPipelineIgnoresReplayedData(t *testing.T) {
	p := newPipeline(t)
	for i, v := range []float64{80, 85, 90} {
		p.step(t, t0+int64(i)*60, v)
	}
	require.Len(t, p.store.Events(), 1)

	// the same points delivered again change nothing
	for i, v := range []float64{80, 85, 90} {
		p.step(t, t0+int64(i)*60, v)
	}
	assert.Len(t, p.store.Events(), 1)
	assert.Equal(t, int64(1), p.alert(t).EventCount)
	assert.Equal(t, []model.Signal{model.SignalAbnormal}, p.notices.list())
}

func TestPipelineRepeatedEventKeepsOneAlert(t *testing.T) {
	p := newPipeline(t)
	for i, v := range []float64{80, 85, 90} {
		p.step(t, t0+int64(i)*60, v)
	}
	ev := p.store.Events()[0]
	for i := 0; i < 4; i++ {
		require.NoError(t, p.topic.Publish(context.Background(), queue.TopicEvent, ev.DedupMD5, ev))
	}
	p.flush(t)

	a := p.alert(t)
	assert.Equal(t, int64(5), a.EventCount)
	assert.Equal(t, []model.Signal{model.SignalAbnormal}, p.notices.list())
}
