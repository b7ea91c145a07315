package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/prom"
)

// HistoryProvider reads long-term values of a series.
type HistoryProvider interface {
	ValueAt(ctx context.Context, item *model.Item, dims map[string]string, ts int64) (float64, bool, error)
}

// Querier is the instant-query part of the Prometheus client.
type Querier interface {
	Instant(ctx context.Context, query string, ts time.Time) ([]prom.Series, error)
}

// PromHistory answers ValueAt with an instant query against Prometheus.
type PromHistory struct {
	Q Querier
}

// Selector renders the PromQL of item restricted to dims.
func Selector(item *model.Item, dims map[string]string) string {
	if item.Query != "" {
		return item.Query
	}
	if len(dims) == 0 {
		return item.Metric
	}
	matchers := make([]string, 0, len(dims))
	for _, k := range model.SortedKeys(dims) {
		matchers = append(matchers, fmt.Sprintf(`%s=%q`, k, dims[k]))
	}
	return item.Metric + "{" + strings.Join(matchers, ",") + "}"
}

func (h PromHistory) ValueAt(ctx context.Context, item *model.Item, dims map[string]string, ts int64) (float64, bool, error) {
	series, err := h.Q.Instant(ctx, Selector(item, dims), time.Unix(ts, 0))
	if err != nil {
		return 0, false, model.Transient("detect.history", err)
	}
	for _, s := range series {
		if item.Query != "" && !labelsMatch(s.Labels, dims) {
			continue
		}
		if len(s.Points) > 0 {
			return s.Points[0].Value, true, nil
		}
	}
	return 0, false, nil
}

func labelsMatch(labels, dims map[string]string) bool {
	for k, v := range dims {
		if v != "" && labels[k] != v {
			return false
		}
	}
	return true
}

// seriesHistory binds History to one series level.
type seriesHistory struct {
	c        *cache.Cache
	key      cache.SeriesKey
	item     *model.Item
	dims     map[string]string
	provider HistoryProvider
	recent   []cache.CheckPoint
	loaded   int
}

func (h *seriesHistory) Recent(ctx context.Context, n int) ([]cache.CheckPoint, error) {
	if n <= h.loaded {
		if n >= len(h.recent) {
			return h.recent, nil
		}
		return h.recent[len(h.recent)-n:], nil
	}
	pts, err := h.c.LastChecks(ctx, h.key, n)
	if err != nil {
		return nil, err
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
	h.recent, h.loaded = pts, n
	return pts, nil
}

func (h *seriesHistory) ValueAt(ctx context.Context, ts int64) (float64, bool, error) {
	if h.provider == nil {
		return 0, false, nil
	}
	return h.provider.ValueAt(ctx, h.item, h.dims, ts)
}
