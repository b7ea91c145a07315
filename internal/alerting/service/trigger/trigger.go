// Package trigger turns anomaly points into events with M-of-N windows per
// (rule, item, fingerprint, level).
package trigger

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/retry"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Rules      *ruleset.Store
	Cache      *cache.Cache
	Queue      queue.Queue
	Delayer    queue.Delayer
	Topic      queue.Topic
	Leases     *lease.Manager
	Metrics    *telemetry.Metrics
	Retry      retry.Policy
	MaxProcess int
	Shards     int
	Now        func() time.Time
}

// Result summarizes one trigger cycle of a rule.
type Result struct {
	Processed int
	Emitted   int
	Gated     int
	// Again is set when the queue still held anomalies after the cycle.
	Again bool
}

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
	if d.MaxProcess <= 0 {
		d.MaxProcess = 1000
	}
	if d.Retry.MaxRetries == 0 && d.Retry.Initial == 0 {
		d.Retry = retry.Default
	}
	return &Service{d: d}
}

// RunRule drains up to MaxProcess anomalies of ruleID under the rule's trigger lease.
func (s *Service) RunRule(ctx context.Context, ruleID int64) (Result, error) {
	var res Result
	shard := model.RuleShard(ruleID, s.d.Shards)
	start := s.d.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageTrigger, "run_rule")
	err := s.d.Leases.With(ctx, lease.TriggerKey(ruleID), func(ctx context.Context) error {
		var err error
		res, err = s.run(ctx, ruleID)
		return err
	})
	telemetry.EndSpan(span, err)
	if model.KindOf(err) == model.KindLease {
		s.d.Metrics.LeaseSkipCount.WithLabelValues(telemetry.StageTrigger).Inc()
		return res, err
	}
	s.d.Metrics.Processed(telemetry.StageTrigger, shard, res.Processed)
	s.d.Metrics.ObserveLatency(telemetry.StageTrigger, shard, start)
	return res, err
}

func (s *Service) run(ctx context.Context, ruleID int64) (Result, error) {
	var res Result
	name := queue.AnomalyQueue(ruleID)
	items, err := s.d.Queue.Pop(ctx, name, s.d.MaxProcess)
	if err != nil {
		return res, err
	}
	res.Processed = len(items)
	now := s.d.Now()

	pending, err := s.d.Queue.Len(ctx, name)
	if err != nil {
		return res, err
	}
	if pending > 0 && s.d.Delayer != nil {
		// ask the beater for an immediate next cycle
		res.Again = true
		if err := s.d.Delayer.PushDelayed(ctx, queue.TaskTrigger, []byte(strconv.FormatInt(ruleID, 10)), now.Unix()); err != nil {
			return res, err
		}
	}

	strategies := map[string]*model.Strategy{}
	for i, raw := range items {
		var ap model.AnomalyPoint
		if err := json.Unmarshal(raw, &ap); err != nil {
			s.d.Metrics.Dropped(telemetry.StageTrigger, "parse")
			continue
		}
		emitted, gated, err := s.handle(ctx, &ap, strategies, now)
		if err != nil {
			if model.IsTransient(err) && s.d.Delayer != nil {
				s.park(ctx, name, items[i:], now)
			}
			return res, err
		}
		if emitted {
			res.Emitted++
		}
		if gated {
			res.Gated++
		}
	}
	if res.Emitted > 0 {
		s.d.Metrics.Pushed(telemetry.StageTrigger, model.RuleShard(ruleID, s.d.Shards), res.Emitted)
	}
	return res, nil
}

// park hands unprocessed anomalies back through the delayed queue.
func (s *Service) park(ctx context.Context, name string, items [][]byte, now time.Time) {
	for _, b := range items {
		if err := s.d.Delayer.PushDelayed(ctx, name, b, now.Unix()+1); err != nil {
			log.Error().Err(err).Str("queue", name).Int("lost", len(items)).Msg("park anomalies failed")
			return
		}
	}
}

// strategy prefers the snapshot detect evaluated the point with.
func (s *Service) strategy(ctx context.Context, ap *model.AnomalyPoint, memo map[string]*model.Strategy) (*model.Strategy, error) {
	if ap.StrategySnapshotKey != "" {
		if st, ok := memo[ap.StrategySnapshotKey]; ok {
			return st, nil
		}
		st, err := s.d.Cache.Snapshot(ctx, ap.StrategySnapshotKey)
		if err != nil {
			return nil, err
		}
		if st != nil {
			memo[ap.StrategySnapshotKey] = st
			return st, nil
		}
	}
	cat, err := s.d.Rules.Catalog()
	if err != nil {
		return nil, model.Transient("trigger.ruleset", err)
	}
	st, ok := cat.Strategy(ap.RuleID)
	if !ok {
		return nil, nil
	}
	return st, nil
}

// window is the M-of-N outcome at one point.
type window struct {
	anomalous int
	start     int64
	records   []model.AnomalyRecord
}

func evaluateWindow(points []cache.CheckPoint, level model.Level) window {
	var w window
	for _, p := range points {
		if !p.Anomalous {
			continue
		}
		if w.anomalous == 0 {
			w.start = p.Timestamp
		}
		w.anomalous++
		w.records = append(w.records, model.AnomalyRecord{Timestamp: p.Timestamp, Value: p.Value, Level: level})
	}
	if len(w.records) > model.MaxAnomalyRecords {
		w.records = w.records[len(w.records)-model.MaxAnomalyRecords:]
	}
	return w
}

func (s *Service) handle(ctx context.Context, ap *model.AnomalyPoint, memo map[string]*model.Strategy, now time.Time) (emitted, gated bool, err error) {
	st, err := s.strategy(ctx, ap, memo)
	if err != nil {
		return false, false, err
	}
	if st == nil {
		s.d.Metrics.Dropped(telemetry.StageTrigger, "unknown_rule")
		return false, false, nil
	}
	interval := st.MaxInterval()
	if it, ok := st.Item(ap.ItemID); ok && it.Interval > 0 && !ap.NoData {
		interval = it.Interval
	}
	m, n := st.Trigger.Count, st.Trigger.CheckWindow
	if m <= 0 {
		m = 1
	}
	if n < m {
		n = m
	}
	recovery := int64(st.Recovery.CheckWindow)
	if recovery <= 0 {
		recovery = 1
	}

	key := cache.SeriesKey{RuleID: ap.RuleID, ItemID: ap.ItemID, Fingerprint: ap.Fingerprint, Level: ap.Level}
	state, err := s.d.Cache.TriggerState(ctx, key)
	if err != nil {
		return false, false, err
	}
	if state.Firing && ap.Timestamp-state.LastAnomaly > recovery*interval {
		state.Firing = false
	}
	if ap.Timestamp > state.LastAnomaly {
		state.LastAnomaly = ap.Timestamp
	}

	checks, err := s.d.Cache.CheckResults(ctx, key, ap.Timestamp-int64(n)*interval, ap.Timestamp)
	if err != nil {
		return false, false, err
	}
	w := evaluateWindow(checks, ap.Level)
	if w.anomalous < m {
		return false, false, s.d.Cache.SaveTriggerState(ctx, key, state)
	}

	if !st.AlarmTime.InAlarmTime(now) {
		s.d.Metrics.GatedCount.WithLabelValues(strconv.FormatInt(st.ID, 10)).Inc()
		return false, true, s.d.Cache.SaveTriggerState(ctx, key, state)
	}

	begin := state.BeginTime
	if !state.Firing && w.start > begin {
		begin = w.start
	}
	emitInterval := st.EmitInterval
	if emitInterval <= 0 {
		emitInterval = interval
	}
	if state.Firing && ap.Timestamp-state.LastEmit < emitInterval {
		return false, false, s.d.Cache.SaveTriggerState(ctx, key, state)
	}
	eventID := model.EventID(ap.RuleID, ap.ItemID, ap.Fingerprint, ap.Level, w.start)
	if eventID == state.LastEventID {
		s.d.Metrics.Dropped(telemetry.StageTrigger, "duplicate_event")
		return false, false, s.d.Cache.SaveTriggerState(ctx, key, state)
	}

	if len(w.records) > 0 {
		w.records[len(w.records)-1].Message = ap.Message
	}
	ev := s.buildEvent(st, ap, eventID, begin, w.records)
	err = s.d.Retry.Do(ctx, "trigger.publish", func() error {
		return s.d.Topic.Publish(ctx, queue.TopicEvent, ev.DedupMD5, ev)
	})
	if err != nil {
		return false, false, err
	}
	log.Debug().Str("event_id", eventID).Str("dedup_md5", ev.DedupMD5).Int64("begin_time", begin).
		Int("anomalous", w.anomalous).Msg("event emitted")

	state.Firing = true
	state.BeginTime = begin
	state.LastEventID = eventID
	state.LastEmit = ap.Timestamp
	return true, false, s.d.Cache.SaveTriggerState(ctx, key, state)
}

func (s *Service) buildEvent(st *model.Strategy, ap *model.AnomalyPoint, eventID string, begin int64, records []model.AnomalyRecord) *model.Event {
	source := st.Source
	if source == "" {
		source = model.EventSourceDefault
	}
	snapKey := ap.StrategySnapshotKey
	if snapKey == "" {
		snapKey, _ = model.SnapshotKey(st)
	}
	return &model.Event{
		EventID:             eventID,
		DedupMD5:            model.DedupMD5(ap.RuleID, ap.Fingerprint, ap.Level),
		RuleID:              ap.RuleID,
		ItemID:              ap.ItemID,
		BizID:               st.BizID,
		Fingerprint:         ap.Fingerprint,
		Level:               ap.Level,
		BeginTime:           begin,
		CreateTime:          ap.Timestamp,
		AnomalyTime:         ap.Timestamp,
		Value:               ap.Value,
		Message:             ap.Message,
		Dims:                ap.Dims,
		Labels:              st.Labels,
		EventSource:         source,
		StrategyName:        st.Name,
		StrategySnapshotKey: snapKey,
		AnomalyRecords:      records,
		NoData:              ap.NoData,
		Enrichment:          ap.Enrichment,
		PartialEnrichment:   ap.Partial,
	}
}
