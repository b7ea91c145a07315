package access

import (
	"context"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/prom"
	"github.com/rs/zerolog/log"
)

// InstantQuerier is the part of the Prometheus client the pull source needs.
type InstantQuerier interface {
	Instant(ctx context.Context, query string, ts time.Time) ([]prom.Series, error)
}

// Puller evaluates promql items on their interval and admits the samples.
type Puller struct {
	svc     *Service
	q       InstantQuerier
	timeout time.Duration
	last    map[[2]int64]int64
}

func NewPuller(svc *Service, q InstantQuerier, timeout time.Duration) *Puller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Puller{svc: svc, q: q, timeout: timeout, last: map[[2]int64]int64{}}
}

// Collect runs every due promql item once. Query failures yield an empty batch for that item.
// An item counts as collected only once its samples were admitted.
func (p *Puller) Collect(ctx context.Context) (int, error) {
	cat, err := p.svc.d.Rules.Catalog()
	if err != nil {
		return 0, err
	}
	now := p.svc.d.Now()
	var raws []*model.RawRecord
	done := map[[2]int64]int64{}
	for _, st := range cat.Strategies() {
		for i := range st.Items {
			it := &st.Items[i]
			if it.DataSource != model.DataSourcePromQL || it.Query == "" {
				continue
			}
			interval := it.Interval
			if interval <= 0 {
				interval = 60
			}
			// align to the item interval so replays produce identical timestamps
			ts := now.Unix() / interval * interval
			key := [2]int64{st.ID, it.ID}
			if p.last[key] >= ts {
				continue
			}
			qctx, cancel := context.WithTimeout(ctx, p.timeout)
			series, err := p.q.Instant(qctx, it.Query, time.Unix(ts, 0))
			cancel()
			if err != nil {
				log.Warn().Err(err).Int64("strategy_id", st.ID).Int64("item_id", it.ID).Msg("promql pull failed")
				continue
			}
			done[key] = ts
			for _, s := range series {
				for _, pt := range s.Points {
					v := pt.Value
					dims := make(map[string]any, len(s.Labels))
					for k, lv := range s.Labels {
						dims[k] = lv
					}
					raws = append(raws, &model.RawRecord{
						RuleID: st.ID, ItemID: it.ID, Timestamp: ts, Value: &v,
						Dimensions: dims, Source: model.DataSourcePromQL,
					})
				}
			}
		}
	}
	n := 0
	if len(raws) > 0 {
		if n, err = p.svc.Ingest(ctx, raws); err != nil {
			return n, err
		}
	}
	for key, ts := range done {
		p.last[key] = ts
	}
	return n, nil
}

// Run collects every tick until ctx is done.
func (p *Puller) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.Collect(ctx); err != nil {
				log.Error().Err(err).Msg("promql collect failed")
			}
		}
	}
}
