package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxOriginAlarmBytes bounds extra_info.origin_alarm.
const MaxOriginAlarmBytes = 4096

// ErrEndBeforeLatest rejects saves where the alert would end before its latest event.
var ErrEndBeforeLatest = errors.New("alert end_time is before latest_time")

// Alert is the stateful aggregate of all events sharing a dedup key.
type Alert struct {
	AlertID             string            `json:"alert_id"`
	DedupMD5            string            `json:"dedup_md5"`
	Status              Status            `json:"status"`
	Severity            Level             `json:"severity"`
	Level               Level             `json:"level,omitempty"`
	BizID               int64             `json:"bk_biz_id"`
	StrategyID          int64             `json:"strategy_id"`
	ItemID              int64             `json:"item_id"`
	Fingerprint         string            `json:"fingerprint"`
	StrategyName        string            `json:"strategy_name"`
	EventSource         string            `json:"event_source"`
	Dims                map[string]string `json:"dimensions"`
	Labels              []string          `json:"labels,omitempty"`
	FirstAnomalyTime    int64             `json:"first_anomaly_time"`
	BeginTime           int64             `json:"begin_time"`
	LatestTime          int64             `json:"latest_time"`
	EndTime             int64             `json:"end_time,omitempty"`
	CreateTime          int64             `json:"create_time"`
	UpdateTime          int64             `json:"update_time"`
	Duration            int64             `json:"duration"`
	EventCount          int64             `json:"event_count"`
	TopEvent            *Event            `json:"top_event,omitempty"`
	Assignee            []string          `json:"assignee,omitempty"`
	Appointee           []string          `json:"appointee,omitempty"`
	Supervisor          []string          `json:"supervisor,omitempty"`
	IsHandled           bool              `json:"is_handled"`
	IsAck               bool              `json:"is_ack"`
	AckOperator         string            `json:"ack_operator,omitempty"`
	IsShielded          bool              `json:"is_shielded"`
	ShieldIDs           []int64           `json:"shield_ids,omitempty"`
	IsBlocked           bool              `json:"is_blocked"`
	CloseReason         string            `json:"close_reason,omitempty"`
	StrategySnapshotKey string            `json:"strategy_snapshot_key"`
	ExtraInfo           ExtraInfo         `json:"extra_info"`

	// Version increases on every saved mutation; in-process caches compare it with the cache copy.
	Version    int64 `json:"version"`
	DBSyncTime int64 `json:"db_sync_time,omitempty"`
	DBDirty    bool  `json:"db_dirty,omitempty"`
}

// ExtraInfo is the small free-form bag carried by an alert.
type ExtraInfo struct {
	OriginAlarm        json.RawMessage   `json:"origin_alarm,omitempty"`
	NextStatus         Status            `json:"next_status,omitempty"`
	NextStatusOperator string            `json:"next_status_operator,omitempty"`
	NextStatusReason   string            `json:"next_status_reason,omitempty"`
	Enrichment         map[string]string `json:"enrichment,omitempty"`
	PartialEnrichment  bool              `json:"partial_enrichment,omitempty"`
	Assignment         *Assignment       `json:"assignment,omitempty"`
	UpgradeLevel       int               `json:"upgrade_level,omitempty"`
	DispatchedSignals  []string          `json:"dispatched_signals,omitempty"`
	AdditionalTags     map[string]string `json:"additional_tags,omitempty"`
	RecoveringSince    int64             `json:"recovering_since,omitempty"`
}

// Assignment is the result of assignment matching written back onto the alert.
type Assignment struct {
	Matched     bool           `json:"matched"`
	GroupID     int64          `json:"assign_group_id,omitempty"`
	RuleID      int64          `json:"assign_rule_id,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	UserGroups  []int64        `json:"user_groups,omitempty"`
	Actions     []ActionRef    `json:"actions,omitempty"`
	Upgrade     *UpgradeConfig `json:"upgrade,omitempty"`
	Severity    Level          `json:"severity,omitempty"`
	AssignTime  int64          `json:"assign_time"`
	ForSeverity Level          `json:"for_severity"`
}

// SignalDone reports whether the dispatcher has completed the given signal key.
func (x *ExtraInfo) SignalDone(key string) bool {
	for _, s := range x.DispatchedSignals {
		if s == key {
			return true
		}
	}
	return false
}

// MarkSignalDone records a dispatched signal key once.
func (x *ExtraInfo) MarkSignalDone(key string) {
	if x.SignalDone(key) {
		return
	}
	x.DispatchedSignals = append(x.DispatchedSignals, key)
}

// SetOriginAlarm stores payload, dropping it when it exceeds MaxOriginAlarmBytes.
func (x *ExtraInfo) SetOriginAlarm(payload json.RawMessage) {
	if len(payload) > MaxOriginAlarmBytes {
		x.OriginAlarm = nil
		return
	}
	x.OriginAlarm = payload
}

// SignalKey identifies one dispatch of a signal for an alert. Upgrade keys carry the tier.
func SignalKey(sig Signal, tier int) string {
	if sig == SignalUpgrade {
		return fmt.Sprintf("%s#%d", sig, tier)
	}
	return string(sig)
}

// Validate checks invariants that must hold on every save.
func (a *Alert) Validate() error {
	if a.DedupMD5 == "" || a.AlertID == "" {
		return fmt.Errorf("alert missing identity")
	}
	if a.EndTime != 0 && a.EndTime < a.LatestTime {
		return fmt.Errorf("%w: end=%d latest=%d", ErrEndBeforeLatest, a.EndTime, a.LatestTime)
	}
	return nil
}

// EventLevel is the detection level the alert's events carry. Assignment may
// override Severity, never this.
func (a *Alert) EventLevel() Level {
	if a.Level.Valid() {
		return a.Level
	}
	if a.TopEvent != nil && a.TopEvent.Level.Valid() {
		return a.TopEvent.Level
	}
	return a.Severity
}

// Clone returns a deep enough copy for independent mutation.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		cp := *a
		return &cp
	}
	var out Alert
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *a
		return &cp
	}
	return &out
}

// Fields flattens the alert for assignment and shield matching.
func (a *Alert) Fields() map[string]any {
	m := make(map[string]any, len(a.Dims)+12)
	for k, v := range a.Dims {
		m[k] = v
		m["tags."+k] = v
	}
	for k, v := range a.ExtraInfo.Enrichment {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	m["severity"] = int(a.Severity)
	m["strategy_id"] = a.StrategyID
	m["bk_biz_id"] = a.BizID
	m["alert.event_source"] = a.EventSource
	m["event_source"] = a.EventSource
	m["alert.strategy_name"] = a.StrategyName
	m["labels"] = a.Labels
	m["is_empty_users"] = len(a.Assignee) == 0
	m["is_shielded"] = a.IsShielded
	m["is_ack"] = a.IsAck
	m["status"] = string(a.Status)
	return m
}

// AlertLog is an append-only change record.
type AlertLog struct {
	AlertID    string `json:"alert_id"`
	DedupMD5   string `json:"dedup_md5"`
	Op         string `json:"op"`
	Operator   string `json:"operator,omitempty"`
	Content    string `json:"content"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	CreateTime int64  `json:"create_time"`
}

const (
	LogOpCreate        = "CREATE"
	LogOpSeverityRaise = "SEVERITY_UP"
	LogOpStatus        = "STATUS"
	LogOpAck           = "ACK"
	LogOpShield        = "SHIELD"
	LogOpUpgrade       = "UPGRADE"
	LogOpAction        = "ACTION"
)

// SignalMessage asks the dispatcher to act on an alert lifecycle change.
type SignalMessage struct {
	AlertID    string `json:"alert_id"`
	DedupMD5   string `json:"dedup_md5"`
	Signal     Signal `json:"signal"`
	Tier       int    `json:"tier,omitempty"`
	Status     Status `json:"status"`
	CreateTime int64  `json:"create_time"`
}

// Key is the dispatch key of the message, see SignalKey.
func (m SignalMessage) Key() string { return SignalKey(m.Signal, m.Tier) }
