// Package composer folds events into alerts keyed by dedup_md5.
package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/service/persist"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

// DelayedEvents holds events whose alert lease was busy.
const DelayedEvents = "event"

type Deps struct {
	Cache          *cache.Cache
	Store          store.Store
	Writer         *persist.Writer
	Topic          queue.Topic
	Delayer        queue.Delayer
	Leases         *lease.Manager
	IDs            model.IDGenerator
	Metrics        *telemetry.Metrics
	LRUSize        int
	TopEventPolicy string
	QoSThreshold   int64
	QoSWindow      time.Duration
	Shards         int
	Now            func() time.Time
}

type Service struct {
	d   Deps
	lru *lru.Cache[string, *model.Alert]
}

func New(d Deps) (*Service, error) {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.Discard()
	}
	if d.LRUSize <= 0 {
		d.LRUSize = 10000
	}
	if d.TopEventPolicy == "" {
		d.TopEventPolicy = TopEventNewest
	}
	if d.QoSWindow <= 0 {
		d.QoSWindow = time.Minute
	}
	if d.IDs == nil {
		d.IDs = cache.NewIDGenerator(d.Cache)
	}
	l, err := lru.New[string, *model.Alert](d.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("create alert lru: %w", err)
	}
	return &Service{d: d, lru: l}, nil
}

// Handle consumes one message of the event topic.
func (s *Service) Handle(ctx context.Context, _ string, value []byte) error {
	var ev model.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		s.d.Metrics.Dropped(telemetry.StageComposer, "parse")
		return model.DataErr("composer.decode", err)
	}
	if ev.DedupMD5 == "" {
		s.d.Metrics.Dropped(telemetry.StageComposer, "no_dedup")
		return model.DataErr("composer.decode", errors.New("event without dedup_md5"))
	}
	return s.Compose(ctx, &ev)
}

// Compose merges ev into its alert under the alert lease. A busy lease parks
// the event in the delayed queue.
func (s *Service) Compose(ctx context.Context, ev *model.Event) error {
	shard := model.Shard(ev.DedupMD5, s.d.Shards)
	start := s.d.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageComposer, "compose")
	err := s.d.Leases.With(ctx, lease.AlertKey(ev.DedupMD5), func(ctx context.Context) error {
		return s.compose(ctx, ev)
	})
	telemetry.EndSpan(span, err)
	if model.KindOf(err) == model.KindLease {
		s.d.Metrics.LeaseSkipCount.WithLabelValues(telemetry.StageComposer).Inc()
		return s.park(ctx, ev)
	}
	s.d.Metrics.Processed(telemetry.StageComposer, shard, 1)
	s.d.Metrics.ObserveLatency(telemetry.StageComposer, shard, start)
	return err
}

func (s *Service) park(ctx context.Context, ev *model.Event) error {
	if s.d.Delayer == nil {
		return model.Transient("composer.park", lease.ErrNotAcquired)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return model.DataErr("composer.park", err)
	}
	return s.d.Delayer.PushDelayed(ctx, DelayedEvents, b, s.d.Now().Unix()+1)
}

// RetryDelayed republishes parked events that are due.
func (s *Service) RetryDelayed(ctx context.Context) (int, error) {
	if s.d.Delayer == nil {
		return 0, nil
	}
	items, err := s.d.Delayer.PopDue(ctx, DelayedEvents, s.d.Now().Unix(), 1000)
	if err != nil {
		return 0, err
	}
	for i, b := range items {
		var ev model.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			continue
		}
		if err := s.d.Topic.Publish(ctx, queue.TopicEvent, ev.DedupMD5, &ev); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// lookup finds the current alert of dedup: in-process LRU, then the snapshot
// cache, then the durable store.
func (s *Service) lookup(ctx context.Context, dedup string) (*model.Alert, error) {
	ver, err := s.d.Cache.AlertVersion(ctx, dedup)
	if err != nil {
		return nil, err
	}
	if a, ok := s.lru.Get(dedup); ok && ver >= 0 && a.Version == ver {
		return a.Clone(), nil
	}
	a, err := s.d.Cache.GetAlert(ctx, dedup)
	switch {
	case err != nil && model.KindOf(err) == model.KindData:
		log.Warn().Err(err).Str("dedup_md5", dedup).Msg("drop unreadable alert snapshot")
	case err != nil:
		return nil, err
	case a != nil:
		return a, nil
	}
	if s.d.Store == nil {
		return nil, nil
	}
	a, err = s.d.Store.ActiveAlert(ctx, dedup)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("composer.store_lookup", err)
	}
	return a, nil
}

func (s *Service) compose(ctx context.Context, ev *model.Event) error {
	now := s.d.Now().Unix()
	prev, err := s.lookup(ctx, ev.DedupMD5)
	if err != nil {
		return err
	}

	var a *model.Alert
	var logs []*model.AlertLog
	created := prev == nil || prev.Status.Terminal()
	if created {
		id, err := s.d.IDs.Next(ctx, "alert")
		if err != nil {
			return err
		}
		a = NewAlert(ev, id, now)
		if err := s.applyQoS(ctx, a, now); err != nil {
			return err
		}
		logs = append(logs, &model.AlertLog{
			AlertID: a.AlertID, DedupMD5: a.DedupMD5, Op: model.LogOpCreate, To: string(a.Status),
			CreateTime: now, Content: fmt.Sprintf("alert created by event %s", ev.EventID),
		})
		prev = nil
	} else {
		a = prev.Clone()
		logs = Merge(a, ev, s.d.TopEventPolicy, now)
	}

	if err := s.d.Writer.Save(ctx, prev, a, logs, []store.Doc{store.EventDoc(ev)}, now); err != nil {
		return err
	}
	s.lru.Add(a.DedupMD5, a.Clone())

	if !created && prev.Status == a.Status {
		return nil
	}
	sig, ok := model.SignalForStatus(a.Status)
	if !ok {
		return nil
	}
	if err := s.d.Writer.Signal(ctx, model.SignalMessage{
		AlertID: a.AlertID, DedupMD5: a.DedupMD5, Signal: sig, Status: a.Status, CreateTime: now,
	}); err != nil {
		return err
	}
	s.d.Metrics.Pushed(telemetry.StageComposer, model.Shard(a.DedupMD5, s.d.Shards), 1)
	return nil
}

// applyQoS blocks new alerts of a strategy producing more than QoSThreshold in QoSWindow.
func (s *Service) applyQoS(ctx context.Context, a *model.Alert, now int64) error {
	if s.d.QoSThreshold <= 0 {
		return nil
	}
	n, err := s.d.Cache.IncrQoS(ctx, a.StrategyID, now, s.d.QoSWindow)
	if err != nil {
		return err
	}
	if n > s.d.QoSThreshold {
		a.IsBlocked = true
		log.Warn().Int64("strategy_id", a.StrategyID).Int64("count", n).Str("dedup_md5", a.DedupMD5).
			Msg("strategy over qos threshold, alert blocked")
	}
	return nil
}
