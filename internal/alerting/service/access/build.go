// Package access normalizes raw telemetry into DataPoints and feeds the
// per-rule data queues read by detection.
package access

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

var (
	ErrNonFinite  = errors.New("non-finite value")
	ErrNoValue    = errors.New("record carries no value")
	ErrBadTime    = errors.New("invalid timestamp")
	ErrNoItem     = errors.New("unknown item")
	ErrRuleHidden = errors.New("strategy disabled")
)

// reservedKeys never take part in log/event fingerprints.
var reservedKeys = map[string]bool{
	"time": true, "timestamp": true, "_time": true, "value": true, "_value": true,
	"text": true, "message": true, "rule_id": true, "item_id": true, "source": true,
}

// Enrichment resolves host attributes for a dimension set. The bool is false on a miss.
type Enrichment interface {
	Lookup(dims map[string]string) (map[string]string, bool)
}

// Build turns raw into a DataPoint for its item of s.
func Build(raw *model.RawRecord, s *model.Strategy, enrich Enrichment, now time.Time) (*model.DataPoint, error) {
	if !s.Enabled {
		return nil, model.ConfigErr("access.build", ErrRuleHidden)
	}
	item, ok := s.Item(raw.ItemID)
	if !ok {
		return nil, model.ConfigErr("access.build", fmt.Errorf("%w %d of strategy %d", ErrNoItem, raw.ItemID, s.ID))
	}
	ts := raw.Timestamp
	if ts > 1e12 {
		ts /= 1000
	}
	if ts <= 0 {
		return nil, model.DataErr("access.build", ErrBadTime)
	}

	all := make(map[string]string, len(raw.Dimensions))
	for k, v := range raw.Dimensions {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		all[key] = strings.TrimSpace(model.Stringify(v))
	}
	dims := fingerprintDims(item, all)

	dp := &model.DataPoint{
		RuleID:      s.ID,
		ItemID:      item.ID,
		BizID:       s.BizID,
		Fingerprint: model.Fingerprint(dims),
		Timestamp:   ts,
		Dims:        dims,
		Text:        raw.Text,
		AccessTime:  float64(now.UnixNano()) / 1e9,
	}

	decimals := s.Decimals()
	switch {
	case raw.Value != nil:
		v, err := round(*raw.Value, decimals)
		if err != nil {
			return nil, model.DataErr("access.build", err)
		}
		dp.Value = v
	case item.Metric != "" && hasKey(raw.Values, item.Metric):
		v, err := round(raw.Values[item.Metric], decimals)
		if err != nil {
			return nil, model.DataErr("access.build", err)
		}
		dp.Value = v
	case isTextSource(item.DataSource):
		// a log line or event counts once
		dp.Value = 1
	default:
		return nil, model.DataErr("access.build", ErrNoValue)
	}
	if len(raw.Values) > 0 {
		dp.Values = make(map[string]float64, len(raw.Values))
		for k, v := range raw.Values {
			if r, err := round(v, decimals); err == nil {
				dp.Values[k] = r
			}
		}
	}

	if enrich != nil {
		attrs, hit := enrich.Lookup(all)
		dp.Enrichment = attrs
		dp.Partial = !hit
	}
	return dp, nil
}

func fingerprintDims(item *model.Item, all map[string]string) map[string]string {
	if len(item.Dimensions) > 0 {
		dims := make(map[string]string, len(item.Dimensions))
		for _, d := range item.Dimensions {
			dims[d] = all[d]
		}
		return dims
	}
	if !isTextSource(item.DataSource) {
		return map[string]string{}
	}
	dims := make(map[string]string, len(all))
	for k, v := range all {
		if !reservedKeys[strings.ToLower(k)] {
			dims[k] = v
		}
	}
	return dims
}

func isTextSource(ds string) bool {
	return ds == model.DataSourceLog || ds == model.DataSourceEvent
}

func hasKey(m map[string]float64, k string) bool {
	_, ok := m[k]
	return ok
}

func round(v float64, decimals int) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNonFinite
	}
	if decimals < 0 {
		return v, nil
	}
	p := math.Pow10(decimals)
	r := math.Round(v*p) / p
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return v, nil
	}
	return r, nil
}
