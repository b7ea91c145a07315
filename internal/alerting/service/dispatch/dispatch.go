// Package dispatch turns alert signals into action instances: it routes the
// alert to responders, resolves action templates, applies convergence and
// idempotency, and invokes plugins.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/retry"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/service/persist"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

// DelayedSignals holds signals whose alert lease was busy.
const DelayedSignals = "signal"

// DefaultConvergeWindow applies to templates that enable convergence without a window.
const DefaultConvergeWindow = 5 * time.Minute

type Deps struct {
	Rules         *ruleset.Store
	Cache         *cache.Cache
	Store         store.Store
	Writer        *persist.Writer
	Topic         queue.Topic
	Delayer       queue.Delayer
	Leases        *lease.Manager
	Plugins       *Registry
	Matcher       *Matcher
	IDs           model.IDGenerator
	Metrics       *telemetry.Metrics
	ConfigLog     *telemetry.OnceLogger
	Retry         retry.Policy
	PluginTimeout time.Duration
	IdemTTL       time.Duration
	Shards        int
	Now           func() time.Time
}

// Result lists the action instances created for one signal.
type Result struct {
	Actions []*model.ActionInstance
	// Done is set once every template reached a terminal status and the receipt was written.
	Done bool
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
	if d.Matcher == nil {
		d.Matcher = NewMatcher(0)
	}
	if d.Plugins == nil {
		d.Plugins = NewRegistry()
	}
	if d.ConfigLog == nil {
		d.ConfigLog = telemetry.NewOnceLogger(time.Hour)
	}
	if d.IDs == nil {
		d.IDs = cache.NewIDGenerator(d.Cache)
	}
	if d.PluginTimeout <= 0 {
		d.PluginTimeout = 30 * time.Second
	}
	if d.IdemTTL <= 0 {
		d.IdemTTL = cache.DefaultIdempotencyTTL
	}
	if d.Retry.MaxRetries == 0 && d.Retry.Initial == 0 {
		d.Retry = retry.Default
	}
	return &Service{d: d}
}

// Handle consumes one message of the signal topic.
func (s *Service) Handle(ctx context.Context, _ string, value []byte) error {
	var msg model.SignalMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		s.d.Metrics.Dropped(telemetry.StageDispatcher, "parse")
		return model.DataErr("dispatch.decode", err)
	}
	if msg.DedupMD5 == "" || msg.AlertID == "" {
		s.d.Metrics.Dropped(telemetry.StageDispatcher, "no_alert")
		return model.DataErr("dispatch.decode", errors.New("signal without alert identity"))
	}
	_, err := s.Dispatch(ctx, msg)
	return err
}

// Dispatch fires every template of the alert's assignment that handles msg.
// Busy alert leases park the signal for RetryDelayed.
func (s *Service) Dispatch(ctx context.Context, msg model.SignalMessage) (Result, error) {
	var res Result
	shard := model.Shard(msg.DedupMD5, s.d.Shards)
	start := s.d.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.StageDispatcher, "dispatch")
	err := s.dispatch(ctx, msg, &res)
	telemetry.EndSpan(span, err)
	if model.KindOf(err) == model.KindLease {
		s.d.Metrics.LeaseSkipCount.WithLabelValues(telemetry.StageDispatcher).Inc()
		return res, s.park(ctx, msg)
	}
	s.d.Metrics.Processed(telemetry.StageDispatcher, shard, 1)
	s.d.Metrics.Pushed(telemetry.StageDispatcher, shard, len(res.Actions))
	s.d.Metrics.ObserveLatency(telemetry.StageDispatcher, shard, start)
	return res, err
}

func (s *Service) dispatch(ctx context.Context, msg model.SignalMessage, res *Result) error {
	cat, err := s.d.Rules.Catalog()
	if err != nil {
		return model.Transient("dispatch.catalog", err)
	}
	a, err := s.route(ctx, msg, cat)
	if err != nil || a == nil {
		return err
	}
	if a.ExtraInfo.SignalDone(msg.Key()) {
		res.Done = true
		return nil
	}
	if a.IsBlocked {
		s.d.Metrics.Dropped(telemetry.StageDispatcher, "blocked")
		log.Info().Str("alert_id", a.AlertID).Str("signal", msg.Key()).Msg("alert blocked by qos, no action fired")
		res.Done = true
		return s.receipt(ctx, msg, 0)
	}

	pending := false
	for _, ref := range a.ExtraInfo.Assignment.Actions {
		t, ok := cat.Template(ref.TemplateID)
		if !ok {
			s.d.ConfigLog.ConfigError(a.StrategyID, "dispatch.template", fmt.Errorf("action template %d not found", ref.TemplateID))
			continue
		}
		if !handles(ref, t, msg.Signal) {
			continue
		}
		ai, done, err := s.fire(ctx, a, msg, t, receivers(cat, a, ref, msg, s.d.Now()))
		if err != nil {
			return err
		}
		if ai != nil {
			res.Actions = append(res.Actions, ai)
		}
		if !done {
			pending = true
		}
	}
	s.storeActions(ctx, a, res.Actions)
	if pending {
		// the manager re-emits the signal; the idempotency record decides what fires again
		return nil
	}
	res.Done = true
	return s.receipt(ctx, msg, len(res.Actions))
}

// route loads the alert behind msg and writes its assignment when missing or
// out of date. It returns nil when the alert is gone or was replaced.
func (s *Service) route(ctx context.Context, msg model.SignalMessage, cat *ruleset.Catalog) (*model.Alert, error) {
	var out *model.Alert
	err := s.d.Leases.With(ctx, lease.AlertKey(msg.DedupMD5), func(ctx context.Context) error {
		a, err := s.d.Cache.GetAlert(ctx, msg.DedupMD5)
		if err != nil {
			return err
		}
		if a == nil || a.AlertID != msg.AlertID {
			s.d.Metrics.Dropped(telemetry.StageDispatcher, "stale_signal")
			return nil
		}
		out = a
		if !needsAssign(a) {
			return nil
		}
		now := s.d.Now()
		prev := a.Clone()
		asg, tags, err := Assign(s.d.Matcher, cat, s.strategyOf(ctx, a, cat), a, now.Unix())
		if err != nil {
			s.d.ConfigLog.ConfigError(a.StrategyID, "dispatch.assign", err)
		}
		applyAssignment(cat, a, asg, tags, now)
		log.Debug().Str("alert_id", a.AlertID).Bool("matched", asg.Matched).Int64("assign_group_id", asg.GroupID).
			Int64("assign_rule_id", asg.RuleID).Strs("assignee", a.Assignee).Msg("alert assigned")
		return s.d.Writer.Save(ctx, prev, a, nil, nil, now.Unix())
	})
	return out, err
}

func (s *Service) strategyOf(ctx context.Context, a *model.Alert, cat *ruleset.Catalog) *model.Strategy {
	if a.StrategySnapshotKey != "" {
		if st, err := s.d.Cache.Snapshot(ctx, a.StrategySnapshotKey); err == nil && st != nil {
			return st
		}
	}
	st, _ := cat.Strategy(a.StrategyID)
	return st
}

func handles(ref model.ActionRef, t *model.ActionTemplate, sig model.Signal) bool {
	if len(ref.Signals) == 0 {
		return t.Handles(sig)
	}
	for _, s := range ref.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

// receivers of an UPGRADE#k firing are the tier's users; otherwise the ref's
// own user groups, falling back to assignee and supervisor.
func receivers(cat *ruleset.Catalog, a *model.Alert, ref model.ActionRef, msg model.SignalMessage, now time.Time) []string {
	asg := a.ExtraInfo.Assignment
	if msg.Signal == model.SignalUpgrade && asg != nil && asg.Upgrade != nil {
		if msg.Tier >= 0 && msg.Tier < len(asg.Upgrade.UserGroups) {
			return cat.ResolveUsers(asg.Upgrade.UserGroups[msg.Tier:msg.Tier+1], now)
		}
	}
	if len(ref.UserGroups) > 0 {
		return cat.ResolveUsers(ref.UserGroups, now)
	}
	return appendUnique(append([]string(nil), a.Assignee...), a.Supervisor...)
}

func (s *Service) timeout(t *model.ActionTemplate) time.Duration {
	if t.Timeout > 0 {
		return time.Duration(t.Timeout) * time.Second
	}
	return s.d.PluginTimeout
}

// fire claims the idempotency key of (alert, signal, template) and runs one
// action. done reports whether the key holds a terminal status afterwards.
func (s *Service) fire(ctx context.Context, a *model.Alert, msg model.SignalMessage, t *model.ActionTemplate, to []string) (*model.ActionInstance, bool, error) {
	key := cache.IdemKey(a.AlertID, msg.Key(), t.ID)
	id, err := s.d.IDs.Next(ctx, "action")
	if err != nil {
		return nil, false, err
	}
	now := s.d.Now().Unix()
	claim, prev, err := s.d.Cache.ClaimAction(ctx, key,
		cache.IdemRecord{ActionID: id, Status: model.ActionReceived, TS: now}, s.d.IdemTTL, 2*s.timeout(t))
	if err != nil {
		return nil, false, err
	}
	if claim == cache.ClaimDuplicate {
		return nil, prev != nil && prev.Status.Terminal(), nil
	}

	ai := &model.ActionInstance{
		ActionID:          id,
		AlertIDs:          []string{a.AlertID},
		DedupMD5:          a.DedupMD5,
		BizID:             a.BizID,
		StrategyID:        a.StrategyID,
		Signal:            msg.Signal,
		SignalKey:         msg.Key(),
		PluginType:        t.PluginType,
		ConfigRef:         t.ID,
		Status:            model.ActionReceived,
		Receivers:         to,
		IsConvergePrimary: true,
		CreateTime:        now,
	}
	if claim == cache.ClaimStale && prev != nil {
		ai.ExData = map[string]any{"reclaimed_action_id": prev.ActionID}
		log.Warn().Str("alert_id", a.AlertID).Str("signal", msg.Key()).Str("previous", prev.ActionID).Msg("reclaim stale action")
	}

	primary, err := s.converge(ctx, a, msg, t, ai)
	if err != nil {
		// the record stays received and is reclaimed once stale
		return nil, false, err
	}
	switch {
	case !primary && a.IsShielded:
		ai.Status = model.ActionShield
	case !primary:
		ai.Status = model.ActionConverged
	default:
		s.execute(ctx, a, t, ai)
	}
	ai.EndTime = s.d.Now().Unix()

	if err := s.d.Retry.Do(ctx, "dispatch.finish_action", func() error {
		return s.d.Cache.FinishAction(ctx, key, id, ai.Status)
	}); err != nil {
		log.Error().Err(err).Str("action_id", id).Msg("record action status failed")
		return ai, false, nil
	}
	s.d.Metrics.ActionCount.WithLabelValues(t.PluginType, string(ai.Status)).Inc()
	return ai, true, nil
}

// converge joins ai to its template's window and reports whether it fires.
// Shielded alerts never take the primary slot.
func (s *Service) converge(ctx context.Context, a *model.Alert, msg model.SignalMessage, t *model.ActionTemplate, ai *model.ActionInstance) (bool, error) {
	cfg := t.Converge
	if !cfg.Enabled || (msg.Signal == model.SignalUpgrade && !t.ConvergesUpgrade()) {
		if a.IsShielded {
			ai.IsConvergePrimary = false
			return false, nil
		}
		return true, nil
	}
	window := time.Duration(cfg.Window) * time.Second
	if window <= 0 {
		window = DefaultConvergeWindow
	}
	fields := a.Fields()
	fields["signal"] = string(msg.Signal)
	ai.ConvergeKey = model.ConvergeKey(t.ID, append([]string{"signal"}, cfg.Dimensions...), fields)
	res, err := s.d.Cache.JoinConverge(ctx, ai.ConvergeKey, ai.ActionID, ai.CreateTime, window,
		cfg.WindowType == model.WindowSliding, !a.IsShielded)
	if err != nil {
		return false, err
	}
	ai.IsConvergePrimary = res.IsPrimary
	ai.ConvergeID = res.PrimaryID
	return res.IsPrimary, nil
}

func (s *Service) execute(ctx context.Context, a *model.Alert, t *model.ActionTemplate, ai *model.ActionInstance) {
	p, ok := s.d.Plugins.Get(t.PluginType)
	if !ok {
		err := fmt.Errorf("unknown plugin %q", t.PluginType)
		s.d.ConfigLog.ConfigError(a.StrategyID, "dispatch.plugin", err)
		ai.Status = model.ActionFailure
		ai.FailureType = model.FailureConfig
		ai.Outputs = map[string]any{"error": err.Error()}
		return
	}
	ai.Status = model.ActionRunning
	cctx, cancel := context.WithTimeout(ctx, s.timeout(t))
	defer cancel()
	out, err := p.Execute(cctx, &Request{Action: ai, Alert: a, Template: t})
	if err != nil {
		ai.Status = model.ActionFailure
		ai.FailureType = failureType(err)
		ai.Outputs = map[string]any{"error": err.Error()}
		log.Error().Err(err).Str("action_id", ai.ActionID).Str("plugin", t.PluginType).
			Str("failure_type", ai.FailureType).Msg("action failed")
		return
	}
	ai.Status = model.ActionSuccess
	ai.Outputs = out
}

func (s *Service) storeActions(ctx context.Context, a *model.Alert, actions []*model.ActionInstance) {
	if len(actions) == 0 || s.d.Store == nil {
		return
	}
	docs := make([]store.Doc, 0, len(actions))
	for _, ai := range actions {
		docs = append(docs, store.ActionDoc(ai))
	}
	var res store.BulkResult
	err := s.d.Retry.Do(ctx, "dispatch.store_actions", func() error {
		var err error
		res, err = s.d.Store.Bulk(ctx, docs)
		return err
	})
	switch {
	case err != nil:
		s.d.Metrics.BulkFailureCount.Add(float64(len(docs)))
		log.Error().Err(err).Str("alert_id", a.AlertID).Int("actions", len(docs)).Msg("store actions failed")
	case !res.OK():
		s.d.Metrics.BulkFailureCount.Add(float64(len(res.Failed)))
		log.Error().Strs("failed_ids", res.FailedIDs()).Str("alert_id", a.AlertID).Msg("store actions partially failed")
	}
}

// receipt marks the signal dispatched on the alert so the manager stops re-emitting it.
func (s *Service) receipt(ctx context.Context, msg model.SignalMessage, actions int) error {
	return s.d.Leases.With(ctx, lease.AlertKey(msg.DedupMD5), func(ctx context.Context) error {
		a, err := s.d.Cache.GetAlert(ctx, msg.DedupMD5)
		if err != nil {
			return err
		}
		if a == nil || a.AlertID != msg.AlertID || a.ExtraInfo.SignalDone(msg.Key()) {
			return nil
		}
		now := s.d.Now().Unix()
		prev := a.Clone()
		a.ExtraInfo.MarkSignalDone(msg.Key())
		entry := &model.AlertLog{
			AlertID: a.AlertID, DedupMD5: a.DedupMD5, Op: model.LogOpAction, To: msg.Key(),
			Content: fmt.Sprintf("%s dispatched with %d actions", msg.Key(), actions), CreateTime: now,
		}
		return s.d.Writer.Save(ctx, prev, a, []*model.AlertLog{entry}, nil, now)
	})
}

func (s *Service) park(ctx context.Context, msg model.SignalMessage) error {
	if s.d.Delayer == nil {
		return model.Transient("dispatch.park", lease.ErrNotAcquired)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return model.DataErr("dispatch.park", err)
	}
	return s.d.Delayer.PushDelayed(ctx, DelayedSignals, b, s.d.Now().Unix()+1)
}

// RetryDelayed republishes parked signals that are due.
func (s *Service) RetryDelayed(ctx context.Context) (int, error) {
	if s.d.Delayer == nil {
		return 0, nil
	}
	items, err := s.d.Delayer.PopDue(ctx, DelayedSignals, s.d.Now().Unix(), 1000)
	if err != nil {
		return 0, err
	}
	for i, b := range items {
		var msg model.SignalMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			continue
		}
		if err := s.d.Topic.Publish(ctx, queue.TopicSignal, msg.DedupMD5, msg); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
