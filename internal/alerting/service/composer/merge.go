package composer

import (
	"fmt"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

// Top event policies.
const (
	TopEventNewest   = "newest"
	TopEventSeverity = "severity"
)

// NewAlert builds the alert opened by ev.
func NewAlert(ev *model.Event, alertID string, now int64) *model.Alert {
	a := &model.Alert{
		AlertID:             alertID,
		DedupMD5:            ev.DedupMD5,
		Status:              model.StatusAbnormal,
		Severity:            ev.Level,
		Level:               ev.Level,
		BizID:               ev.BizID,
		StrategyID:          ev.RuleID,
		ItemID:              ev.ItemID,
		Fingerprint:         ev.Fingerprint,
		StrategyName:        ev.StrategyName,
		EventSource:         ev.EventSource,
		Dims:                ev.Dims,
		Labels:              ev.Labels,
		FirstAnomalyTime:    ev.BeginTime,
		BeginTime:           ev.BeginTime,
		LatestTime:          ev.CreateTime,
		CreateTime:          now,
		EventCount:          1,
		TopEvent:            ev,
		StrategySnapshotKey: ev.StrategySnapshotKey,
	}
	a.ExtraInfo.SetOriginAlarm(ev.Payload())
	a.ExtraInfo.Enrichment = ev.Enrichment
	a.ExtraInfo.PartialEnrichment = ev.PartialEnrichment
	return a
}

// Merge folds ev into a and returns the change logs it produced.
// event_count grows by one and latest_time keeps the maximum. Only an event of a
// more severe level than the alert's own raises severity, so an assigned override
// survives events of the level the alert was opened for.
func Merge(a *model.Alert, ev *model.Event, policy string, now int64) []*model.AlertLog {
	var logs []*model.AlertLog
	newest := ev.CreateTime >= a.LatestTime

	a.EventCount++
	if ev.CreateTime > a.LatestTime {
		a.LatestTime = ev.CreateTime
	}
	if ev.BeginTime > 0 && (a.FirstAnomalyTime == 0 || ev.BeginTime < a.FirstAnomalyTime) {
		a.FirstAnomalyTime = ev.BeginTime
	}
	if ev.Level.Valid() && ev.Level < a.EventLevel() {
		logs = append(logs, &model.AlertLog{
			AlertID: a.AlertID, DedupMD5: a.DedupMD5, Op: model.LogOpSeverityRaise,
			From: a.Severity.String(), To: ev.Level.String(), CreateTime: now,
			Content: fmt.Sprintf("severity raised by event %s", ev.EventID),
		})
		a.Level = ev.Level
		a.Severity = ev.Level
	}
	if replacesTop(a.TopEvent, ev, policy) {
		a.TopEvent = ev
	}
	if newest {
		a.ExtraInfo.SetOriginAlarm(ev.Payload())
		if len(ev.Enrichment) > 0 {
			a.ExtraInfo.Enrichment = ev.Enrichment
			a.ExtraInfo.PartialEnrichment = ev.PartialEnrichment
		}
	}
	if a.Status == model.StatusRecovering && ev.CreateTime > a.ExtraInfo.RecoveringSince {
		if next, ok := model.Next(a.Status, model.TransEvent); ok {
			logs = append(logs, &model.AlertLog{
				AlertID: a.AlertID, DedupMD5: a.DedupMD5, Op: model.LogOpStatus,
				From: string(a.Status), To: string(next), CreateTime: now,
				Content: "anomaly returned while recovering",
			})
			a.Status = next
			a.ExtraInfo.RecoveringSince = 0
		}
	}
	return logs
}

// replacesTop reports whether ev becomes the representative event.
// A more severe event always wins; on equal severity the newest policy prefers
// the later event and the severity policy keeps the first one.
func replacesTop(top, ev *model.Event, policy string) bool {
	if top == nil || ev.Level < top.Level {
		return true
	}
	if ev.Level > top.Level {
		return false
	}
	if policy == TopEventSeverity {
		return false
	}
	return ev.CreateTime >= top.CreateTime
}
