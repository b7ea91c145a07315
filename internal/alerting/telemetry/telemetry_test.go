package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreLabelledByStageAndShard(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Processed(StageDetect, 1, 3)
	m.Pushed(StageDetect, 1, 2)
	m.Dropped(StageAccess, "nan")
	m.ObserveLatency(StageDetect, 1, time.Now())

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `alarmflow_process_data_count{shard="1",stage="detect"} 3`)
	assert.Contains(t, body, `alarmflow_process_push_data_count{shard="1",stage="detect"} 2`)
	assert.Contains(t, body, `alarmflow_dropped_count{reason="nan",stage="access"} 1`)
	assert.Contains(t, body, `alarmflow_process_latency_count{shard="1",stage="detect"} 1`)
}

func TestDiscardDoesNotRegister(t *testing.T) {
	a := Discard()
	b := Discard()
	a.Processed(StageAccess, 0, 1)
	b.Processed(StageAccess, 0, 1)
}

func TestOnceLoggerAllowsOncePerWindow(t *testing.T) {
	o := NewOnceLogger(time.Hour)
	assert.True(t, o.Allow("1:matcher"))
	assert.False(t, o.Allow("1:matcher"))
	assert.True(t, o.Allow("2:matcher"))
	o.ConfigError(3, "plugin", errors.New("unknown plugin"))
	assert.False(t, o.Allow("3:plugin"))
}

func TestInitTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TraceConfig{ServiceName: "alarmflow"})
	require.NoError(t, err)
	ctx, span := StartSpan(context.Background(), StageComposer, "merge")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
	assert.NoError(t, shutdown(context.Background()))
}
