// Package manager walks active alerts on a fixed cadence and runs the checker
// chain over each of them.
package manager

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/service/persist"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrAlertTerminal = errors.New("alert already ended")
)

type Deps struct {
	Rules    *ruleset.Store
	Cache    *cache.Cache
	Writer   *persist.Writer
	Leases   *lease.Manager
	Metrics  *telemetry.Metrics
	Shards   []int
	Interval time.Duration
	Now      func() time.Time
}

// Result summarizes one manager cycle.
type Result struct {
	Checked int
	Changed int
	Signals int
	Skipped int
}

type Service struct {
	d Deps
	// lifecycle checkers run until the alert ends; the action checker always runs last
	lifecycle []Checker
	tail      Checker
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.Discard()
	}
	if d.Interval <= 0 {
		d.Interval = time.Minute
	}
	if len(d.Shards) == 0 {
		d.Shards = []int{0}
	}
	return &Service{
		d: d,
		lifecycle: []Checker{
			nextStatusChecker{},
			closeChecker{},
			recoverChecker{cache: d.Cache},
			shieldChecker{},
			ackChecker{cache: d.Cache},
			upgradeChecker{},
		},
		tail: actionHandleChecker{},
	}
}

func unix(sec int64) time.Time { return time.Unix(sec, 0) }

// Run executes a cycle every Interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.d.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if model.KindOf(err) == model.KindFatal {
				return err
			}
			log.Error().Err(err).Msg("manager cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce checks every active alert of the owned shards once.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	for _, shard := range s.d.Shards {
		start := s.d.Now()
		dedups, err := s.d.Cache.ActiveAlerts(ctx, shard)
		if err != nil {
			return res, err
		}
		s.d.Metrics.ActiveAlerts.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(dedups)))
		for _, dedup := range dedups {
			if ctx.Err() != nil {
				return res, nil
			}
			changed, signals, err := s.Manage(ctx, dedup)
			switch {
			case model.KindOf(err) == model.KindLease:
				s.d.Metrics.LeaseSkipCount.WithLabelValues(telemetry.StageManager).Inc()
				res.Skipped++
				continue
			case err != nil && model.KindOf(err) == model.KindFatal:
				return res, err
			case err != nil:
				log.Error().Err(err).Str("dedup_md5", dedup).Msg("manage alert failed")
				continue
			}
			res.Checked++
			res.Signals += signals
			if changed {
				res.Changed++
			}
		}
		s.d.Metrics.Processed(telemetry.StageManager, shard, len(dedups))
		s.d.Metrics.ObserveLatency(telemetry.StageManager, shard, start)
	}
	return res, nil
}

// Manage runs the checker chain over one alert under its lease.
func (s *Service) Manage(ctx context.Context, dedup string) (changed bool, signals int, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageManager, "manage")
	err = s.d.Leases.With(ctx, lease.AlertKey(dedup), func(ctx context.Context) error {
		var err error
		changed, signals, err = s.manage(ctx, dedup)
		return err
	})
	telemetry.EndSpan(span, err)
	return changed, signals, err
}

func (s *Service) strategyOf(ctx context.Context, a *model.Alert, cat *ruleset.Catalog) *model.Strategy {
	if a.StrategySnapshotKey != "" {
		st, err := s.d.Cache.Snapshot(ctx, a.StrategySnapshotKey)
		if err == nil && st != nil {
			return st
		}
	}
	if cat != nil {
		if st, ok := cat.Strategy(a.StrategyID); ok {
			return st
		}
	}
	return nil
}

func (s *Service) manage(ctx context.Context, dedup string) (bool, int, error) {
	shard := model.Shard(dedup, s.d.Writer.Shards)
	a, err := s.d.Cache.GetAlert(ctx, dedup)
	if err != nil {
		return false, 0, err
	}
	if a == nil || persist.Settled(a) {
		return false, 0, s.d.Cache.RemoveActive(ctx, shard, dedup)
	}

	cat, err := s.d.Rules.Catalog()
	if err != nil {
		log.Warn().Err(err).Msg("manager runs without ruleset")
		cat = nil
	}
	now := s.d.Now().Unix()
	prev := a.Clone()
	c := &checkContext{alert: a, catalog: cat, now: now}
	c.strategy = s.strategyOf(ctx, a, cat)

	for _, chk := range s.lifecycle {
		if a.Status.Terminal() {
			break
		}
		if err := chk.Check(ctx, c); err != nil {
			return false, 0, err
		}
	}
	if err := s.tail.Check(ctx, c); err != nil {
		return false, 0, err
	}

	if c.changed || a.DBDirty {
		if err := s.d.Writer.Save(ctx, prev, a, c.logs, nil, now); err != nil {
			if errors.Is(err, model.ErrEndBeforeLatest) {
				log.Error().Err(err).Str("dedup_md5", dedup).Msg("reject alert update")
			}
			return false, 0, err
		}
	}
	for _, fn := range c.after {
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("dedup_md5", dedup).Msg("post-save step failed")
		}
	}
	for _, msg := range c.signals {
		if err := s.d.Writer.Signal(ctx, msg); err != nil {
			return c.changed, 0, err
		}
	}
	if len(c.signals) > 0 {
		s.d.Metrics.Pushed(telemetry.StageManager, shard, len(c.signals))
	}
	return c.changed, len(c.signals), nil
}

// RequestAck records a manual acknowledgement for the next cycle.
func (s *Service) RequestAck(ctx context.Context, dedup, operator, reason string) error {
	a, err := s.d.Cache.GetAlert(ctx, dedup)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrAlertNotFound
	}
	if a.Status.Terminal() {
		return ErrAlertTerminal
	}
	return s.d.Cache.SetAckRequest(ctx, dedup, cache.AckRequest{Operator: operator, Reason: reason, TS: s.d.Now().Unix()})
}

// RequestClose leaves a CLOSED hint on the alert for the next cycle.
func (s *Service) RequestClose(ctx context.Context, dedup, operator, reason string) error {
	return s.d.Leases.With(ctx, lease.AlertKey(dedup), func(ctx context.Context) error {
		a, err := s.d.Cache.GetAlert(ctx, dedup)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrAlertNotFound
		}
		if a.Status.Terminal() {
			return ErrAlertTerminal
		}
		prev := a.Clone()
		a.ExtraInfo.NextStatus = model.StatusClosed
		a.ExtraInfo.NextStatusOperator = operator
		a.ExtraInfo.NextStatusReason = reason
		return s.d.Writer.Save(ctx, prev, a, nil, nil, s.d.Now().Unix())
	})
}
