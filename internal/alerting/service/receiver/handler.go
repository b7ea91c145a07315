// Package receiver accepts pushed telemetry over HTTP and forwards it to the
// ingestion topic.
package receiver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/patrickmn/go-cache"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

const maxBody = 8 << 20

type Handler struct {
	topic   queue.Topic
	auth    Auth
	metrics *telemetry.Metrics
	seen    *cache.Cache
}

func NewHandler(topic queue.Topic, auth Auth, metrics *telemetry.Metrics) *Handler {
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	return &Handler{topic: topic, auth: auth, metrics: metrics, seen: cache.New(10*time.Minute, time.Minute)}
}

var errNoRecords = errors.New("no records")

// decodeRecords accepts one record or an array of records.
func decodeRecords(body []byte) ([]*model.RawRecord, error) {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return nil, errNoRecords
	}
	var raws []*model.RawRecord
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
	} else {
		var r model.RawRecord
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		raws = append(raws, &r)
	}
	if len(raws) == 0 {
		return nil, errNoRecords
	}
	return raws, nil
}

func (h *Handler) publish(c *fox.Context, raws []*model.RawRecord) (int, error) {
	n := 0
	for _, r := range raws {
		if r == nil || r.RuleID <= 0 {
			h.metrics.Dropped(telemetry.StageAccess, "no_rule")
			continue
		}
		if err := h.topic.Publish(c.Request.Context(), queue.TopicIngest, strconv.FormatInt(r.RuleID, 10), r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Ingest publishes raw records posted as JSON.
func (h *Handler) Ingest(c *fox.Context) {
	if !h.auth.Check(c) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "read body"})
		return
	}
	raws, err := decodeRecords(body)
	if err != nil {
		log.Debug().Err(err).Msg("ingest: invalid payload")
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON"})
		return
	}
	n, err := h.publish(c, raws)
	if err != nil {
		log.Error().Err(err).Int("published", n).Msg("ingest: publish failed")
		c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "ingestion unavailable", "accepted": n})
		return
	}
	c.JSON(http.StatusOK, map[string]any{"ok": true, "accepted": n})
}

// AlertmanagerWebhook converts firing Alertmanager alerts into event records.
// Alerts carry their rule and item in the strategy_id and item_id labels.
func (h *Handler) AlertmanagerWebhook(c *fox.Context) {
	if !h.auth.Check(c) {
		return
	}
	var req AMWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON"})
		return
	}
	if len(req.Alerts) == 0 {
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "alerts must not be empty"})
		return
	}
	var raws []*model.RawRecord
	for _, a := range req.Alerts {
		status := a.Status
		if status == "" {
			status = req.Status
		}
		if !strings.EqualFold(status, "firing") {
			continue
		}
		key := BuildIdempotencyKey(a)
		if _, dup := h.seen.Get(key); dup {
			continue
		}
		raw, err := ToRawRecord(a)
		if err != nil {
			log.Warn().Err(err).Str("alertname", a.Labels["alertname"]).Msg("alertmanager: skip alert")
			h.metrics.Dropped(telemetry.StageAccess, "no_rule")
			continue
		}
		h.seen.SetDefault(key, struct{}{})
		raws = append(raws, raw)
	}
	n, err := h.publish(c, raws)
	if err != nil {
		log.Error().Err(err).Int("published", n).Msg("alertmanager: publish failed")
		c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "ingestion unavailable", "accepted": n})
		return
	}
	log.Debug().Int("alerts", len(req.Alerts)).Int("accepted", n).Msg("alertmanager webhook processed")
	c.JSON(http.StatusOK, map[string]any{"ok": true, "accepted": n})
}
