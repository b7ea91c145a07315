package model

import (
	"encoding/json"
)

// Level is the alert severity. Lower is more severe.
type Level int

const (
	LevelFatal   Level = 1
	LevelWarning Level = 2
	LevelInfo    Level = 3
)

func (l Level) Valid() bool { return l >= LevelFatal && l <= LevelInfo }

func (l Level) String() string {
	switch l {
	case LevelFatal:
		return "fatal"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusAbnormal   Status = "ABNORMAL"
	StatusRecovering Status = "RECOVERING"
	StatusRecovered  Status = "RECOVERED"
	StatusClosed     Status = "CLOSED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusRecovered || s == StatusClosed }

// Signal is a lifecycle event delivered to the dispatcher.
type Signal string

const (
	SignalAbnormal  Signal = "ABNORMAL"
	SignalRecovered Signal = "RECOVERED"
	SignalClosed    Signal = "CLOSED"
	SignalAck       Signal = "ACK"
	SignalUpgrade   Signal = "UPGRADE"
)

// SignalForStatus maps an alert status to the signal announcing it.
func SignalForStatus(s Status) (Signal, bool) {
	switch s {
	case StatusAbnormal:
		return SignalAbnormal, true
	case StatusRecovered:
		return SignalRecovered, true
	case StatusClosed:
		return SignalClosed, true
	}
	return "", false
}

const (
	DataSourceTimeSeries = "time_series"
	DataSourceLog        = "log"
	DataSourceEvent      = "event"
	DataSourcePromQL     = "promql"

	EventSourceDefault = "bkmonitor"
)

// RawRecord is one message from the ingestion bus.
type RawRecord struct {
	RuleID     int64              `json:"rule_id"`
	ItemID     int64              `json:"item_id"`
	Timestamp  int64              `json:"timestamp"`
	Value      *float64           `json:"value,omitempty"`
	Text       string             `json:"text,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
	Dimensions map[string]any     `json:"dimensions"`
	Source     string             `json:"source"`
}

// DataPoint is a normalized telemetry record.
type DataPoint struct {
	RuleID      int64              `json:"rule_id"`
	ItemID      int64              `json:"item_id"`
	BizID       int64              `json:"bk_biz_id"`
	Fingerprint string             `json:"fingerprint"`
	Timestamp   int64              `json:"ts"`
	Value       float64            `json:"value"`
	Text        string             `json:"text,omitempty"`
	Values      map[string]float64 `json:"values,omitempty"`
	Dims        map[string]string  `json:"dims"`
	AccessTime  float64            `json:"access_time"`
	Enrichment  map[string]string  `json:"enrichment,omitempty"`
	// Partial is set when enrichment could not be resolved.
	Partial bool `json:"partial,omitempty"`
}

// AnomalyPoint is a data point flagged by a detector.
type AnomalyPoint struct {
	DataPoint
	Level               Level          `json:"level"`
	AlgoID              int64          `json:"algo_id"`
	AlgoKind            string         `json:"algo_kind"`
	Message             string         `json:"anomaly_message"`
	DetectorContext     map[string]any `json:"detector_context,omitempty"`
	NoData              bool           `json:"no_data,omitempty"`
	StrategySnapshotKey string         `json:"strategy_snapshot_key"`
	DetectTime          float64        `json:"detect_time"`
}

// AnomalyRecord is the compact form of an anomaly attached to an event.
type AnomalyRecord struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
	Level     Level   `json:"level"`
	Message   string  `json:"message"`
}

const MaxAnomalyRecords = 10

// Event is an immutable triggered signal.
type Event struct {
	EventID             string            `json:"event_id"`
	DedupMD5            string            `json:"dedup_md5"`
	RuleID              int64             `json:"strategy_id"`
	ItemID              int64             `json:"item_id"`
	BizID               int64             `json:"bk_biz_id"`
	Fingerprint         string            `json:"fingerprint"`
	Level               Level             `json:"level"`
	BeginTime           int64             `json:"begin_time"`
	CreateTime          int64             `json:"create_time"`
	EndTime             int64             `json:"end_time,omitempty"`
	AnomalyTime         int64             `json:"anomaly_time"`
	Value               float64           `json:"value"`
	Message             string            `json:"description"`
	Dims                map[string]string `json:"dimensions"`
	Labels              []string          `json:"labels,omitempty"`
	EventSource         string            `json:"event_source"`
	StrategyName        string            `json:"strategy_name"`
	StrategySnapshotKey string            `json:"strategy_snapshot_key"`
	AnomalyRecords      []AnomalyRecord   `json:"anomaly_records,omitempty"`
	NoData              bool              `json:"no_data,omitempty"`
	Enrichment          map[string]string `json:"enrichment,omitempty"`
	PartialEnrichment   bool              `json:"partial_enrichment,omitempty"`
}

// Payload returns the event encoded for origin_alarm storage.
func (e *Event) Payload() json.RawMessage {
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}
