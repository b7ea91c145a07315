package receiver

import (
	"fmt"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

type KV map[string]string

type AMAlert struct {
	Status       string    `json:"status"`
	Labels       KV        `json:"labels"`
	Annotations  KV        `json:"annotations"`
	StartsAt     time.Time `json:"startsAt"`
	EndsAt       time.Time `json:"endsAt"`
	GeneratorURL string    `json:"generatorURL"`
	Fingerprint  string    `json:"fingerprint"`
}

type AMWebhook struct {
	Receiver string    `json:"receiver"`
	Status   string    `json:"status"`
	Alerts   []AMAlert `json:"alerts"`
}

const sourceAlertmanager = "alertmanager"

// BuildIdempotencyKey identifies one delivery of an alert occurrence.
func BuildIdempotencyKey(a AMAlert) string {
	return a.Labels["strategy_id"] + "|" + a.Labels["item_id"] + "|" + a.Fingerprint + "|" +
		a.StartsAt.UTC().Format(time.RFC3339Nano) + "|" + a.Status
}

// ToRawRecord maps a firing alert to an event record of its strategy item.
func ToRawRecord(a AMAlert) (*model.RawRecord, error) {
	ruleID, err := strconv.ParseInt(a.Labels["strategy_id"], 10, 64)
	if err != nil || ruleID <= 0 {
		return nil, fmt.Errorf("invalid strategy_id label %q", a.Labels["strategy_id"])
	}
	itemID, err := strconv.ParseInt(a.Labels["item_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid item_id label %q", a.Labels["item_id"])
	}
	if a.StartsAt.IsZero() {
		return nil, fmt.Errorf("alert %s has no startsAt", a.Labels["alertname"])
	}
	dims := make(map[string]any, len(a.Labels))
	for k, v := range a.Labels {
		if k == "strategy_id" || k == "item_id" {
			continue
		}
		dims[k] = v
	}
	text := a.Annotations["summary"]
	if text == "" {
		text = a.Labels["alertname"]
	}
	one := 1.0
	return &model.RawRecord{
		RuleID:     ruleID,
		ItemID:     itemID,
		Timestamp:  a.StartsAt.Unix(),
		Value:      &one,
		Text:       text,
		Dimensions: dims,
		Source:     sourceAlertmanager,
	}, nil
}
