package access

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Rules    *ruleset.Store
	Cache    *cache.Cache
	Queue    queue.Queue
	Enricher Enrichment
	Metrics  *telemetry.Metrics
	Once     *telemetry.OnceLogger
	DedupTTL time.Duration
	Shards   int
	Now      func() time.Time
}

// Service admits raw records into the data queues.
type Service struct {
	d Deps
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.Discard()
	}
	if d.Once == nil {
		d.Once = telemetry.NewOnceLogger(time.Hour)
	}
	if d.DedupTTL <= 0 {
		d.DedupTTL = time.Hour
	}
	return &Service{d: d}
}

// Handle decodes one ingestion bus message. It accepts a single record or an array.
func (s *Service) Handle(ctx context.Context, _ string, value []byte) error {
	var raws []*model.RawRecord
	if len(value) > 0 && value[0] == '[' {
		if err := json.Unmarshal(value, &raws); err != nil {
			s.d.Metrics.Dropped(telemetry.StageAccess, "parse")
			return model.DataErr("access.decode", err)
		}
	} else {
		var r model.RawRecord
		if err := json.Unmarshal(value, &r); err != nil {
			s.d.Metrics.Dropped(telemetry.StageAccess, "parse")
			return model.DataErr("access.decode", err)
		}
		raws = []*model.RawRecord{&r}
	}
	_, err := s.Ingest(ctx, raws)
	return err
}

// Ingest builds, deduplicates and queues raws. It returns the number of points pushed.
// A full data queue is reported as a transient error so the caller redelivers;
// replay marks of the points not pushed are released first.
func (s *Service) Ingest(ctx context.Context, raws []*model.RawRecord) (int, error) {
	start := s.d.Now()
	cat, err := s.d.Rules.Catalog()
	if err != nil {
		return 0, model.Transient("access.ruleset", err)
	}
	byRule := map[int64][][]byte{}
	marks := map[int64][]cache.PointMark{}
	var order []int64
	for _, raw := range raws {
		st, ok := cat.Strategy(raw.RuleID)
		if !ok {
			s.d.Metrics.Dropped(telemetry.StageAccess, "unknown_rule")
			continue
		}
		dp, err := Build(raw, st, s.d.Enricher, s.d.Now())
		if err != nil {
			s.drop(st.ID, err)
			continue
		}
		fp := strconv.FormatInt(dp.ItemID, 10) + "." + dp.Fingerprint
		fresh, err := s.d.Cache.MarkPoint(ctx, dp.RuleID, fp, dp.Timestamp, s.d.DedupTTL)
		if err != nil {
			s.release(ctx, order, marks)
			return 0, err
		}
		if !fresh {
			s.d.Metrics.Dropped(telemetry.StageAccess, "duplicate")
			continue
		}
		b, err := json.Marshal(dp)
		if err != nil {
			s.drop(st.ID, model.DataErr("access.encode", err))
			continue
		}
		if _, seen := byRule[dp.RuleID]; !seen {
			order = append(order, dp.RuleID)
		}
		byRule[dp.RuleID] = append(byRule[dp.RuleID], b)
		marks[dp.RuleID] = append(marks[dp.RuleID], cache.PointMark{RuleID: dp.RuleID, FP: fp, TS: dp.Timestamp})
		s.d.Metrics.Lag(telemetry.StageAccess, dp.AccessTime-float64(dp.Timestamp))
	}

	pushed := 0
	for i, ruleID := range order {
		items := byRule[ruleID]
		shard := model.RuleShard(ruleID, s.d.Shards)
		s.d.Metrics.Processed(telemetry.StageAccess, shard, len(items))
		if err := s.d.Queue.Push(ctx, queue.DataQueue(ruleID), items...); err != nil {
			s.release(ctx, order[i:], marks)
			if errors.Is(err, queue.ErrBusy) {
				s.d.Metrics.BusyCount.WithLabelValues(telemetry.StageAccess).Inc()
				return pushed, model.Transient("access.push", err)
			}
			return pushed, err
		}
		pushed += len(items)
		s.d.Metrics.Pushed(telemetry.StageAccess, shard, len(items))
		s.d.Metrics.ObserveLatency(telemetry.StageAccess, shard, start)
	}
	return pushed, nil
}

// release drops the replay marks of rules whose points never reached the queue.
func (s *Service) release(ctx context.Context, rules []int64, marks map[int64][]cache.PointMark) {
	var ms []cache.PointMark
	for _, ruleID := range rules {
		ms = append(ms, marks[ruleID]...)
	}
	if err := s.d.Cache.UnmarkPoints(ctx, ms); err != nil {
		log.Warn().Err(err).Int("points", len(ms)).Msg("release replay marks failed")
	}
}

func (s *Service) drop(strategyID int64, err error) {
	switch model.KindOf(err) {
	case model.KindConfig:
		s.d.Metrics.Dropped(telemetry.StageAccess, "config")
		s.d.Once.ConfigError(strategyID, "access", err)
	default:
		s.d.Metrics.Dropped(telemetry.StageAccess, "data")
		log.Debug().Err(err).Int64("strategy_id", strategyID).Msg("record dropped")
	}
}
