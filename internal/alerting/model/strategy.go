package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Strategy is a user-defined detection rule.
type Strategy struct {
	ID                  int64         `json:"id" yaml:"id"`
	BizID               int64         `json:"bk_biz_id" yaml:"bk_biz_id"`
	Name                string        `json:"name" yaml:"name"`
	Enabled             bool          `json:"is_enabled" yaml:"is_enabled"`
	Source              string        `json:"source,omitempty" yaml:"source,omitempty"`
	Labels              []string      `json:"labels,omitempty" yaml:"labels,omitempty"`
	Items               []Item        `json:"items" yaml:"items"`
	AlgorithmConnector  string        `json:"algorithm_connector,omitempty" yaml:"algorithm_connector,omitempty"`
	Trigger             TriggerConfig `json:"trigger" yaml:"trigger"`
	Recovery            RecoveryCfg   `json:"recovery" yaml:"recovery"`
	NoData              NoDataConfig  `json:"no_data,omitempty" yaml:"no_data,omitempty"`
	NoDataCloseInterval int64         `json:"no_data_close_interval,omitempty" yaml:"no_data_close_interval,omitempty"`
	AlarmTime           AlarmTime     `json:"alarm_time,omitempty" yaml:"alarm_time,omitempty"`
	Notice              ActionRef     `json:"notice" yaml:"notice"`
	Actions             []ActionRef   `json:"actions,omitempty" yaml:"actions,omitempty"`
	Precision           *int          `json:"precision,omitempty" yaml:"precision,omitempty"`
	EmitInterval        int64         `json:"emit_interval,omitempty" yaml:"emit_interval,omitempty"`
	UpdateTime          int64         `json:"update_time,omitempty" yaml:"update_time,omitempty"`
}

// Item is one monitored query of a strategy.
type Item struct {
	ID         int64             `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	DataSource string            `json:"data_source" yaml:"data_source"`
	Metric     string            `json:"metric,omitempty" yaml:"metric,omitempty"`
	Query      string            `json:"query,omitempty" yaml:"query,omitempty"`
	Interval   int64             `json:"interval" yaml:"interval"`
	Dimensions []string          `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Algorithms []AlgorithmConfig `json:"algorithms" yaml:"algorithms"`
}

// AlgorithmConfig selects a detector by kind. Config is decoded by the detector factory.
type AlgorithmConfig struct {
	ID     int64          `json:"id" yaml:"id"`
	Level  Level          `json:"level" yaml:"level"`
	Kind   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config" yaml:"config"`
}

// TriggerConfig fires when Count of the last CheckWindow points are anomalous.
type TriggerConfig struct {
	Count       int `json:"count" yaml:"count"`
	CheckWindow int `json:"check_window" yaml:"check_window"`
}

// RecoveryCfg is measured in detection intervals.
type RecoveryCfg struct {
	CheckWindow int `json:"check_window" yaml:"check_window"`
	// Observe keeps the alert RECOVERING this many seconds before RECOVERED.
	Observe int64 `json:"observe,omitempty" yaml:"observe,omitempty"`
}

type NoDataConfig struct {
	Enabled    bool  `json:"is_enabled" yaml:"is_enabled"`
	Continuous int   `json:"continuous" yaml:"continuous"`
	Level      Level `json:"level,omitempty" yaml:"level,omitempty"`
}

// ActionRef binds an action template to a strategy or assignment rule.
type ActionRef struct {
	TemplateID int64    `json:"config_id" yaml:"config_id"`
	Signals    []Signal `json:"signal,omitempty" yaml:"signal,omitempty"`
	UserGroups []int64  `json:"user_groups,omitempty" yaml:"user_groups,omitempty"`
}

// AcceptsSignal reports whether the reference restricts to sig. An empty list accepts all.
func (r ActionRef) AcceptsSignal(sig Signal) bool {
	if len(r.Signals) == 0 {
		return true
	}
	for _, s := range r.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

const (
	ConnectorAnd = "and"
	ConnectorOr  = "or"
)

// Connector returns the normalized algorithm connector.
func (s *Strategy) Connector() string {
	if strings.EqualFold(s.AlgorithmConnector, ConnectorOr) {
		return ConnectorOr
	}
	return ConnectorAnd
}

// Decimals returns the rounding precision for values.
func (s *Strategy) Decimals() int {
	if s.Precision == nil {
		return 2
	}
	return *s.Precision
}

// Item returns the item with the given id.
func (s *Strategy) Item(id int64) (*Item, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// MaxInterval is the longest item interval. It is the authoritative interval for no-data.
func (s *Strategy) MaxInterval() int64 {
	var longest int64
	for _, it := range s.Items {
		if it.Interval > longest {
			longest = it.Interval
		}
	}
	if longest <= 0 {
		return 60
	}
	return longest
}

// CloseInterval is the silence after which an alert is closed for no data.
func (s *Strategy) CloseInterval() int64 {
	if s.NoDataCloseInterval > 0 {
		return s.NoDataCloseInterval
	}
	return 5 * s.MaxInterval()
}

// RetainedPoints bounds per-series check history.
func (s *Strategy) RetainedPoints(constMin int) int {
	n := (s.Trigger.CheckWindow + s.Recovery.CheckWindow) * 2
	if n < constMin {
		return constMin
	}
	return n
}

// Levels returns the distinct algorithm levels of an item, most severe first.
func (it *Item) Levels() []Level {
	seen := map[Level]bool{}
	var out []Level
	for _, a := range it.Algorithms {
		if !seen[a.Level] {
			seen[a.Level] = true
			out = append(out, a.Level)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// AlarmTime restricts when events may be emitted. Ranges are "HH:MM--HH:MM".
type AlarmTime struct {
	Ranges   []string `json:"time_range,omitempty" yaml:"time_range,omitempty"`
	Weekdays []int    `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// InAlarmTime reports whether t falls inside the configured windows.
// An empty configuration always matches. Ranges may wrap midnight.
func (a AlarmTime) InAlarmTime(t time.Time) bool {
	if a.Timezone != "" {
		if loc, err := time.LoadLocation(a.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	if len(a.Weekdays) > 0 {
		wd := int(t.Weekday())
		if wd == 0 {
			wd = 7
		}
		ok := false
		for _, d := range a.Weekdays {
			if d == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(a.Ranges) == 0 {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	for _, r := range a.Ranges {
		start, end, err := parseRange(r)
		if err != nil {
			continue
		}
		if start <= end {
			if minute >= start && minute <= end {
				return true
			}
		} else if minute >= start || minute <= end {
			return true
		}
	}
	return false
}

func parseRange(r string) (int, int, error) {
	parts := strings.Split(r, "--")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time range %q", r)
	}
	s, err := parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	e, err := parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return s, e, nil
}

func parseClock(s string) (int, error) {
	hm := strings.Split(strings.TrimSpace(s), ":")
	if len(hm) < 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
