package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Rules         *ruleset.Store
	Cache         *cache.Cache
	Queue         queue.Queue
	Delayer       queue.Delayer
	Leases        *lease.Manager
	Registry      *Registry
	History       HistoryProvider
	Metrics       *telemetry.Metrics
	Once          *telemetry.OnceLogger
	MaxBatch      int
	HighWater     int
	CheckMinPoint int
	Shards        int
	Now           func() time.Time
}

// Result summarizes one detection cycle of a rule.
type Result struct {
	Processed int
	Emitted   int
	Busy      bool
}

// Service runs detection cycles.
type Service struct {
	d    Deps
	mu   sync.Mutex
	busy map[int64]bool
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
	if d.Registry == nil {
		d.Registry = DefaultRegistry(nil)
	}
	if d.MaxBatch <= 0 {
		d.MaxBatch = 1000
	}
	if d.HighWater <= 0 {
		d.HighWater = 5000
	}
	if d.CheckMinPoint <= 0 {
		d.CheckMinPoint = 30
	}
	return &Service{d: d, busy: map[int64]bool{}}
}

// Busy reports whether the rule's last cycle found a backlog above the high water mark.
func (s *Service) Busy(ruleID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[ruleID]
}

func (s *Service) setBusy(ruleID int64, b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b {
		s.busy[ruleID] = true
	} else {
		delete(s.busy, ruleID)
	}
}

// RunRule executes one detection cycle for ruleID under the rule's lease.
// A lease held elsewhere yields a Lease-kind error and no work.
func (s *Service) RunRule(ctx context.Context, ruleID int64) (Result, error) {
	var res Result
	shard := model.RuleShard(ruleID, s.d.Shards)
	start := s.d.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageDetect, "run_rule")
	err := s.d.Leases.With(ctx, lease.DetectKey(ruleID), func(ctx context.Context) error {
		var err error
		res, err = s.detect(ctx, ruleID)
		return err
	})
	telemetry.EndSpan(span, err)
	if model.KindOf(err) == model.KindLease {
		s.d.Metrics.LeaseSkipCount.WithLabelValues(telemetry.StageDetect).Inc()
		return res, err
	}
	s.d.Metrics.Processed(telemetry.StageDetect, shard, res.Processed)
	s.d.Metrics.ObserveLatency(telemetry.StageDetect, shard, start)
	return res, err
}

type levelAlgos struct {
	level model.Level
	algos []Algorithm
}

func (s *Service) buildItem(st *model.Strategy, it *model.Item) []levelAlgos {
	var out []levelAlgos
	for _, lvl := range it.Levels() {
		la := levelAlgos{level: lvl}
		for _, ac := range it.Algorithms {
			if ac.Level != lvl {
				continue
			}
			alg, err := s.d.Registry.Build(ac)
			if err != nil {
				s.d.Once.ConfigError(st.ID, "detect.algorithm", err)
				continue
			}
			la.algos = append(la.algos, alg)
		}
		if len(la.algos) > 0 {
			out = append(out, la)
		}
	}
	return out
}

func (s *Service) detect(ctx context.Context, ruleID int64) (Result, error) {
	var res Result
	cat, err := s.d.Rules.Catalog()
	if err != nil {
		return res, model.Transient("detect.ruleset", err)
	}
	items, err := s.d.Queue.Pop(ctx, queue.DataQueue(ruleID), s.d.MaxBatch)
	if err != nil {
		return res, err
	}
	now := s.d.Now()
	res.Processed = len(items)
	st, ok := cat.Strategy(ruleID)
	if !ok || !st.Enabled {
		if len(items) > 0 {
			s.d.Metrics.Dropped(telemetry.StageDetect, "unknown_rule")
		}
		return res, nil
	}

	var out []*model.AnomalyPoint
	// abort parks the unprocessed points and keeps the anomalies already found
	abort := func(i int, err error) (Result, error) {
		res.Processed = i
		s.park(ctx, ruleID, items[i:], now, err)
		res.Emitted = len(out)
		if perr := s.push(ctx, ruleID, out, now); perr != nil {
			log.Error().Err(perr).Int64("rule_id", ruleID).Int("lost", len(out)).Msg("push anomalies failed")
		}
		return res, err
	}

	pending, err := s.d.Queue.Len(ctx, queue.DataQueue(ruleID))
	if err != nil {
		return abort(0, err)
	}
	res.Busy = pending > int64(s.d.HighWater)
	if res.Busy != s.Busy(ruleID) {
		log.Info().Int64("rule_id", ruleID).Int64("pending", pending).Bool("busy", res.Busy).Msg("detect busy state changed")
	}
	s.setBusy(ruleID, res.Busy)
	if res.Busy {
		s.d.Metrics.BusyCount.WithLabelValues(telemetry.StageDetect).Inc()
	}

	// freeze the rule for this cycle
	snap := *st
	snapKey, err := model.SnapshotKey(&snap)
	if err != nil {
		return abort(0, model.DataErr("detect.snapshot", err))
	}
	if err := s.d.Cache.PutSnapshot(ctx, snapKey, &snap); err != nil {
		return abort(0, err)
	}

	retain := snap.RetainedPoints(s.d.CheckMinPoint)
	algos := map[int64][]levelAlgos{}
	checkpoints := map[cache.SeriesKey]int64{}
	loaded := map[int64]bool{}

	for i, raw := range items {
		var dp model.DataPoint
		if err := json.Unmarshal(raw, &dp); err != nil {
			s.d.Metrics.Dropped(telemetry.StageDetect, "parse")
			continue
		}
		it, ok := snap.Item(dp.ItemID)
		if !ok {
			s.d.Metrics.Dropped(telemetry.StageDetect, "unknown_item")
			continue
		}
		if _, ok := algos[it.ID]; !ok {
			algos[it.ID] = s.buildItem(&snap, it)
		}
		if !loaded[it.ID] {
			if err := s.loadCheckpoints(ctx, ruleID, it.ID, checkpoints); err != nil {
				return abort(i, err)
			}
			loaded[it.ID] = true
		}
		if err := s.d.Cache.SetDims(ctx, ruleID, it.ID, dp.Fingerprint, dp.Dims); err != nil {
			return abort(i, err)
		}
		ap, err := s.evaluate(ctx, &snap, it, &dp, algos[it.ID], checkpoints, retain, res.Busy)
		if err != nil {
			return abort(i, err)
		}
		if ap != nil {
			ap.StrategySnapshotKey = snapKey
			ap.DetectTime = float64(now.UnixNano()) / 1e9
			out = append(out, ap)
		}
	}

	nd, err := s.noData(ctx, &snap, snapKey, checkpoints, loaded, now)
	out = append(out, nd...)
	res.Emitted = len(out)
	if perr := s.push(ctx, ruleID, out, now); perr != nil {
		return res, perr
	}
	return res, err
}

func (s *Service) loadCheckpoints(ctx context.Context, ruleID, itemID int64, into map[cache.SeriesKey]int64) error {
	cps, err := s.d.Cache.Checkpoints(ctx, ruleID, itemID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		into[cache.SeriesKey{RuleID: ruleID, ItemID: itemID, Fingerprint: cp.Fingerprint, Level: cp.Level}] = cp.LastTS
	}
	return nil
}

// park hands unprocessed points back through the delayed queue. Only transient
// failures are worth another cycle.
func (s *Service) park(ctx context.Context, ruleID int64, items [][]byte, now time.Time, cause error) {
	if len(items) == 0 {
		return
	}
	if !model.IsTransient(cause) || s.d.Delayer == nil {
		log.Error().Err(cause).Int64("rule_id", ruleID).Int("lost", len(items)).Msg("detect cycle aborted")
		return
	}
	name := queue.DataQueue(ruleID)
	for j, b := range items {
		if err := s.d.Delayer.PushDelayed(ctx, name, b, now.Unix()+1); err != nil {
			log.Error().Err(err).Str("queue", name).Int("lost", len(items)-j).Msg("park points failed")
			return
		}
	}
}

// evaluate runs every level of the item on dp, most severe first, records the
// check results and returns the anomaly of the most severe anomalous level.
func (s *Service) evaluate(ctx context.Context, st *model.Strategy, it *model.Item, dp *model.DataPoint,
	levels []levelAlgos, checkpoints map[cache.SeriesKey]int64, retain int, busy bool) (*model.AnomalyPoint, error) {
	var emitted *model.AnomalyPoint
	for _, la := range levels {
		key := cache.SeriesKey{RuleID: st.ID, ItemID: it.ID, Fingerprint: dp.Fingerprint, Level: la.level}
		if last, ok := checkpoints[key]; ok && dp.Timestamp <= last {
			s.d.Metrics.Dropped(telemetry.StageDetect, "late")
			continue
		}
		h := &seriesHistory{c: s.d.Cache, key: key, item: it, dims: dp.Dims, provider: s.d.History}
		anomalous, evaluated := st.Connector() == model.ConnectorAnd, 0
		var msgs []string
		var algo Algorithm
		detectorCtx := map[string]any{}
		for _, alg := range la.algos {
			if busy && alg.Optional() {
				continue
			}
			v, err := alg.Detect(ctx, dp, h)
			if err != nil {
				if model.KindOf(err) == model.KindConfig {
					s.d.Once.ConfigError(st.ID, "detect."+alg.Kind(), err)
					continue
				}
				// one failing algorithm does not stop the others
				log.Warn().Err(err).Int64("rule_id", st.ID).Str("algorithm", alg.Kind()).Msg("algorithm failed")
				continue
			}
			evaluated++
			for k, val := range v.Context {
				detectorCtx[alg.Kind()+"."+k] = val
			}
			if st.Connector() == model.ConnectorAnd {
				anomalous = anomalous && v.Anomalous
			} else {
				anomalous = anomalous || v.Anomalous
			}
			if v.Anomalous {
				msgs = append(msgs, v.Message)
				if algo == nil {
					algo = alg
				}
			}
		}
		if evaluated == 0 {
			continue
		}
		cp := cache.CheckPoint{Timestamp: dp.Timestamp, Value: dp.Value, Anomalous: anomalous}
		if err := s.d.Cache.RecordCheck(ctx, key, cp, retain); err != nil {
			return nil, err
		}
		if err := s.d.Cache.SetCheckpoint(ctx, key, dp.Timestamp); err != nil {
			return nil, err
		}
		checkpoints[key] = dp.Timestamp
		if anomalous && emitted == nil {
			emitted = &model.AnomalyPoint{
				DataPoint:       *dp,
				Level:           la.level,
				AlgoKind:        algo.Kind(),
				Message:         strings.Join(msgs, "; "),
				DetectorContext: detectorCtx,
			}
			for _, ac := range it.Algorithms {
				if ac.Level == la.level && ac.Kind == algo.Kind() {
					emitted.AlgoID = ac.ID
					break
				}
			}
		}
	}
	return emitted, nil
}

// noData emits a synthetic anomaly for series silent longer than interval × continuous.
// The longest item interval of the rule is authoritative. Checkpoints of items in
// loaded are taken from checkpoints; the rest are read from the cache.
func (s *Service) noData(ctx context.Context, st *model.Strategy, snapKey string,
	checkpoints map[cache.SeriesKey]int64, loaded map[int64]bool, now time.Time) ([]*model.AnomalyPoint, error) {
	if !st.NoData.Enabled {
		return nil, nil
	}
	interval := st.MaxInterval()
	continuous := int64(st.NoData.Continuous)
	if continuous <= 0 {
		continuous = 1
	}
	level := st.NoData.Level
	if !level.Valid() {
		level = model.LevelWarning
	}
	ts := now.Unix() / interval * interval
	var out []*model.AnomalyPoint
	for i := range st.Items {
		it := &st.Items[i]
		if !loaded[it.ID] {
			if err := s.loadCheckpoints(ctx, st.ID, it.ID, checkpoints); err != nil {
				return out, err
			}
			loaded[it.ID] = true
		}
		last := map[string]int64{}
		for key, ts := range checkpoints {
			if key.ItemID == it.ID && ts > last[key.Fingerprint] {
				last[key.Fingerprint] = ts
			}
		}
		for fp, lastTS := range last {
			silent := now.Unix() - lastTS
			if silent <= interval*continuous {
				continue
			}
			key := cache.SeriesKey{RuleID: st.ID, ItemID: it.ID, Fingerprint: fp, Level: level}
			prev, err := s.d.Cache.LastChecks(ctx, key, 1)
			if err != nil {
				return out, err
			}
			if len(prev) > 0 && prev[len(prev)-1].Timestamp >= ts {
				continue
			}
			dims, err := s.d.Cache.Dims(ctx, st.ID, it.ID, fp)
			if err != nil {
				return out, err
			}
			if err := s.d.Cache.RecordCheck(ctx, key, cache.CheckPoint{Timestamp: ts, Anomalous: true}, st.RetainedPoints(s.d.CheckMinPoint)); err != nil {
				return out, err
			}
			out = append(out, &model.AnomalyPoint{
				DataPoint: model.DataPoint{
					RuleID: st.ID, ItemID: it.ID, BizID: st.BizID, Fingerprint: fp,
					Timestamp: ts, Dims: dims, AccessTime: float64(now.Unix()),
				},
				Level:               level,
				AlgoKind:            "no_data",
				Message:             fmt.Sprintf("no data for %d seconds", silent),
				NoData:              true,
				StrategySnapshotKey: snapKey,
				DetectTime:          float64(now.UnixNano()) / 1e9,
			})
		}
	}
	return out, nil
}

func (s *Service) push(ctx context.Context, ruleID int64, anomalies []*model.AnomalyPoint, now time.Time) error {
	if len(anomalies) == 0 {
		return nil
	}
	batch := make([][]byte, 0, len(anomalies))
	for _, ap := range anomalies {
		b, err := json.Marshal(ap)
		if err != nil {
			return model.DataErr("detect.encode", err)
		}
		batch = append(batch, b)
		s.d.Metrics.Lag(telemetry.StageDetect, float64(now.UnixNano())/1e9-ap.AccessTime)
	}
	name := queue.AnomalyQueue(ruleID)
	err := s.d.Queue.Push(ctx, name, batch...)
	if errors.Is(err, queue.ErrBusy) && s.d.Delayer != nil {
		// park the batch; the beater moves due items back once the queue drains
		s.d.Metrics.BusyCount.WithLabelValues(telemetry.StageTrigger).Inc()
		for _, b := range batch {
			if err := s.d.Delayer.PushDelayed(ctx, name, b, now.Unix()); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	s.d.Metrics.Pushed(telemetry.StageDetect, model.RuleShard(ruleID, s.d.Shards), len(batch))
	return nil
}
