// Package beater schedules per-rule detect and trigger tasks, runs them on a
// worker pool and moves delayed work back onto its queue once due.
package beater

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RuleFunc runs one stage cycle for a rule.
type RuleFunc func(ctx context.Context, ruleID int64) error

type Deps struct {
	Rules   *ruleset.Store
	Queue   queue.Queue
	Delayer queue.Delayer
	// Detect and Trigger execute tasks. A nil func leaves its queue to other processes.
	Detect  RuleFunc
	Trigger RuleFunc
	// Schedule enables the periodic beat and the delayed queue mover.
	Schedule bool
	Metrics  *telemetry.Metrics
	Workers  int
	// Interval is the beat period. MoveEvery is the delayed queue poll period.
	Interval   time.Duration
	MoveEvery  time.Duration
	Shards     []int
	ShardCount int
	Now        func() time.Time
}

type Service struct {
	d    Deps
	wake chan struct{}
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.Discard()
	}
	if d.Workers <= 0 {
		d.Workers = 4
	}
	if d.Interval <= 0 {
		d.Interval = 10 * time.Second
	}
	if d.MoveEvery <= 0 {
		d.MoveEvery = time.Second
	}
	if d.ShardCount <= 0 {
		d.ShardCount = 1
	}
	return &Service{d: d, wake: make(chan struct{}, 1)}
}

func (s *Service) owns(ruleID int64) bool {
	if len(s.d.Shards) == 0 {
		return true
	}
	shard := model.RuleShard(ruleID, s.d.ShardCount)
	for _, sh := range s.d.Shards {
		if sh == shard {
			return true
		}
	}
	return false
}

func (s *Service) ownedRules() ([]int64, error) {
	cat, err := s.d.Rules.Catalog()
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, st := range cat.Strategies() {
		if st.Enabled && s.owns(st.ID) {
			out = append(out, st.ID)
		}
	}
	return out, nil
}

// Beat enqueues one detect and one trigger task per owned rule.
func (s *Service) Beat(ctx context.Context) (int, error) {
	rules, err := s.ownedRules()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range rules {
		task := []byte(strconv.FormatInt(id, 10))
		for _, name := range []string{queue.TaskDetect, queue.TaskTrigger} {
			if err := s.d.Queue.Push(ctx, name, task); err != nil {
				if errors.Is(err, queue.ErrBusy) {
					s.d.Metrics.BusyCount.WithLabelValues(telemetry.StageBeater).Inc()
					continue
				}
				return n, err
			}
			n++
		}
	}
	s.d.Metrics.Pushed(telemetry.StageBeater, 0, n)
	s.notify()
	return n, nil
}

// MoveDue returns due task requests and the parked points and anomalies of owned rules to their queues.
func (s *Service) MoveDue(ctx context.Context) (int, error) {
	if s.d.Delayer == nil {
		return 0, nil
	}
	names := []string{queue.TaskDetect, queue.TaskTrigger}
	rules, err := s.ownedRules()
	if err != nil {
		log.Warn().Err(err).Msg("beater moves task queues only")
	}
	for _, id := range rules {
		names = append(names, queue.DataQueue(id), queue.AnomalyQueue(id))
	}
	now := s.d.Now().Unix()
	moved := 0
	for _, name := range names {
		items, err := s.d.Delayer.PopDue(ctx, name, now, 0)
		if err != nil {
			return moved, err
		}
		if len(items) == 0 {
			continue
		}
		if err := s.d.Queue.Push(ctx, name, items...); err != nil {
			if !errors.Is(err, queue.ErrBusy) {
				return moved, err
			}
			s.d.Metrics.BusyCount.WithLabelValues(telemetry.StageBeater).Inc()
			for _, it := range items {
				if err := s.d.Delayer.PushDelayed(ctx, name, it, now+1); err != nil {
					return moved, err
				}
			}
			continue
		}
		moved += len(items)
	}
	if moved > 0 {
		s.notify()
	}
	return moved, nil
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) taskQueues() []string {
	var names []string
	if s.d.Detect != nil {
		names = append(names, queue.TaskDetect)
	}
	if s.d.Trigger != nil {
		names = append(names, queue.TaskTrigger)
	}
	return names
}

// next pops one task, detect first. ok is false when the served queues are empty.
func (s *Service) next(ctx context.Context) (name string, ruleID int64, ok bool, err error) {
	for _, name := range s.taskQueues() {
		for {
			items, err := s.d.Queue.Pop(ctx, name, 1)
			if err != nil {
				return "", 0, false, err
			}
			if len(items) == 0 {
				break
			}
			id, err := strconv.ParseInt(string(items[0]), 10, 64)
			if err != nil {
				s.d.Metrics.Dropped(telemetry.StageBeater, "bad_task")
				continue
			}
			return name, id, true, nil
		}
	}
	return "", 0, false, nil
}

func (s *Service) exec(ctx context.Context, name string, ruleID int64) error {
	fn := s.d.Detect
	if name == queue.TaskTrigger {
		fn = s.d.Trigger
	}
	err := fn(ctx, ruleID)
	switch kind := model.KindOf(err); {
	case err == nil, kind == model.KindLease:
		return nil
	case kind == model.KindFatal:
		return err
	default:
		log.Error().Err(err).Str("task", name).Int64("rule_id", ruleID).Msg("task failed")
		return nil
	}
}

// Drain runs queued tasks on the calling goroutine until both queues are empty.
func (s *Service) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		name, id, ok, err := s.next(ctx)
		if err != nil || !ok {
			return n, err
		}
		if err := s.exec(ctx, name, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Service) worker(ctx context.Context) error {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		name, id, ok, err := s.next(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("pop task failed")
		}
		if ok {
			if err := s.exec(ctx, name, id); err != nil {
				return err
			}
			continue
		}
		idle.Reset(s.d.MoveEvery)
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-idle.C:
		}
	}
}

// Run schedules beats and delayed moves with cron when Schedule is set and
// runs the worker pool until ctx is done or a task fails fatally.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	var c *cron.Cron
	if s.d.Schedule {
		c = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := c.AddFunc("@every "+s.d.Interval.String(), func() {
			if _, err := s.Beat(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("beat failed")
			}
		}); err != nil {
			return err
		}
		if _, err := c.AddFunc("@every "+s.d.MoveEvery.String(), func() {
			if _, err := s.MoveDue(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("move delayed work failed")
			}
		}); err != nil {
			return err
		}
		if _, err := s.Beat(ctx); err != nil {
			log.Warn().Err(err).Msg("initial beat failed")
		}
		c.Start()
	}
	queues := s.taskQueues()
	log.Info().Bool("schedule", s.d.Schedule).Strs("queues", queues).Int("workers", s.d.Workers).
		Ints("shards", s.d.Shards).Msg("beater started")

	if len(queues) > 0 {
		for i := 0; i < s.d.Workers; i++ {
			g.Go(func() error { return s.worker(ctx) })
		}
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}
	err := g.Wait()
	if c != nil {
		<-c.Stop().Done()
	}
	return err
}
