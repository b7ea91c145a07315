package receiver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(auth Auth) (*fox.Engine, *queue.MemoryTopic) {
	topic := queue.NewMemoryTopic()
	r := fox.New()
	RegisterReceiverRoutes(r, NewHandler(topic, auth, nil))
	return r, topic
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngestPublishesRecords(t *testing.T) {
	r, topic := newRouter(Auth{})
	body := `[{"rule_id":1,"item_id":10,"timestamp":120,"value":3,"dimensions":{"ip":"10.0.0.1"}},
	          {"rule_id":0,"item_id":10,"timestamp":120,"value":3}]`
	w := do(r, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	msgs := topic.Pending(queue.TopicIngest)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].Key)
	var raw model.RawRecord
	require.NoError(t, json.Unmarshal(msgs[0].Value, &raw))
	assert.EqualValues(t, 10, raw.ItemID)
	assert.EqualValues(t, 120, raw.Timestamp)
}

func TestIngestSingleRecordAndBadJSON(t *testing.T) {
	r, topic := newRouter(Auth{})
	w := do(r, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`{"rule_id":5,"timestamp":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, topic.Pending(queue.TopicIngest), 1)

	w = do(r, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`{"rule_id":`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`[]`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestAuth(t *testing.T) {
	r, _ := newRouter(Auth{User: "u", Pass: "p", Bearer: "tok"})
	body := `{"rule_id":1,"timestamp":1}`

	w := do(r, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	assert.Equal(t, http.StatusOK, do(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body))
	req.SetBasicAuth("u", "p")
	assert.Equal(t, http.StatusOK, do(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body))
	req.SetBasicAuth("u", "wrong")
	assert.Equal(t, http.StatusUnauthorized, do(r, req).Code)
}

func TestAlertmanagerWebhookMapsFiringAlerts(t *testing.T) {
	r, topic := newRouter(Auth{})
	hook := AMWebhook{Status: "firing", Alerts: []AMAlert{
		{Status: "firing", Fingerprint: "a1", StartsAt: time.Unix(600, 0),
			Labels:      KV{"alertname": "DiskFull", "strategy_id": "3", "item_id": "30", "host": "h1"},
			Annotations: KV{"summary": "disk full on h1"}},
		{Status: "resolved", Fingerprint: "a2", StartsAt: time.Unix(600, 0),
			Labels: KV{"alertname": "DiskFull", "strategy_id": "3", "item_id": "30"}},
		{Status: "firing", Fingerprint: "a3", StartsAt: time.Unix(600, 0),
			Labels: KV{"alertname": "NoRule"}},
	}}
	body, _ := json.Marshal(hook)

	w := do(r, httptest.NewRequest(http.MethodPost, "/v1/integrations/alertmanager/webhook", strings.NewReader(string(body))))
	require.Equal(t, http.StatusOK, w.Code)
	msgs := topic.Pending(queue.TopicIngest)
	require.Len(t, msgs, 1)

	var raw model.RawRecord
	require.NoError(t, json.Unmarshal(msgs[0].Value, &raw))
	assert.EqualValues(t, 3, raw.RuleID)
	assert.EqualValues(t, 30, raw.ItemID)
	assert.EqualValues(t, 600, raw.Timestamp)
	assert.Equal(t, "disk full on h1", raw.Text)
	assert.Equal(t, "h1", raw.Dimensions["host"])
	assert.NotContains(t, raw.Dimensions, "strategy_id")

	// redelivery of the same occurrence is ignored
	w = do(r, httptest.NewRequest(http.MethodPost, "/v1/integrations/alertmanager/webhook", strings.NewReader(string(body))))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, topic.Pending(queue.TopicIngest), 1)
}

func TestBuildIdempotencyKey(t *testing.T) {
	a := AMAlert{
		Labels:      KV{"strategy_id": "3", "item_id": "30"},
		Fingerprint: "abc",
		StartsAt:    time.Unix(0, 123).UTC(),
		Status:      "firing",
	}
	expected := "3|30|abc|1970-01-01T00:00:00.000000123Z|firing"
	if key := BuildIdempotencyKey(a); key != expected {
		t.Fatalf("unexpected key: %s, expected: %s", key, expected)
	}
}
