package manager

import (
	"context"
	"fmt"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/rs/zerolog/log"
)

// checkContext carries one alert through the checker chain.
type checkContext struct {
	alert    *model.Alert
	strategy *model.Strategy
	catalog  *ruleset.Catalog
	now      int64
	changed  bool
	logs     []*model.AlertLog
	signals  []model.SignalMessage
	// after runs once the alert is saved
	after []func(ctx context.Context) error
}

func (c *checkContext) log(op, from, to, operator, content string) {
	c.logs = append(c.logs, &model.AlertLog{
		AlertID: c.alert.AlertID, DedupMD5: c.alert.DedupMD5, Op: op, From: from, To: to,
		Operator: operator, Content: content, CreateTime: c.now,
	})
	c.changed = true
}

func (c *checkContext) signal(sig model.Signal, tier int) {
	key := model.SignalKey(sig, tier)
	for _, s := range c.signals {
		if s.Key() == key {
			return
		}
	}
	c.signals = append(c.signals, model.SignalMessage{
		AlertID: c.alert.AlertID, DedupMD5: c.alert.DedupMD5, Signal: sig, Tier: tier,
		Status: c.alert.Status, CreateTime: c.now,
	})
}

// move applies transition t, ending the alert when the target is terminal.
func (c *checkContext) move(t model.Transition, operator, reason string) bool {
	a := c.alert
	next, ok := model.Next(a.Status, t)
	if !ok || next == a.Status {
		return false
	}
	from := a.Status
	a.Status = next
	if next.Terminal() {
		a.EndTime = c.now
		a.Duration = a.EndTime - a.BeginTime
	}
	if next == model.StatusClosed {
		a.CloseReason = reason
	}
	c.log(model.LogOpStatus, string(from), string(next), operator, reason)
	return true
}

// Checker inspects and mutates one alert.
type Checker interface {
	Name() string
	Check(ctx context.Context, c *checkContext) error
}

// nextStatusChecker applies a status hint left by a manual operation.
type nextStatusChecker struct{}

func (nextStatusChecker) Name() string { return "next_status" }

func (nextStatusChecker) Check(_ context.Context, c *checkContext) error {
	x := &c.alert.ExtraInfo
	if x.NextStatus == "" {
		return nil
	}
	target, operator, reason := x.NextStatus, x.NextStatusOperator, x.NextStatusReason
	x.NextStatus, x.NextStatusOperator, x.NextStatusReason = "", "", ""
	c.changed = true
	var t model.Transition
	switch target {
	case model.StatusClosed:
		t = model.TransClose
	case model.StatusRecovered, model.StatusRecovering:
		t = model.TransRecover
	}
	if t == "" || !model.CanMoveTo(c.alert.Status, target) {
		log.Warn().Str("dedup_md5", c.alert.DedupMD5).Str("status", string(c.alert.Status)).
			Str("next_status", string(target)).Msg("ignore impossible next status")
		return nil
	}
	if reason == "" {
		reason = "manual"
	}
	c.move(t, operator, reason)
	return nil
}

// closeChecker closes alerts whose strategy has gone silent.
type closeChecker struct{}

func (closeChecker) Name() string { return "close" }

func (closeChecker) Check(_ context.Context, c *checkContext) error {
	interval := int64(300)
	if c.strategy != nil {
		interval = c.strategy.CloseInterval()
	}
	if c.now-c.alert.LatestTime < interval {
		return nil
	}
	c.move(model.TransNoData, "", "no_data")
	return nil
}

// recoverChecker recovers alerts whose series stayed normal for the recovery window.
type recoverChecker struct {
	cache *cache.Cache
}

func (recoverChecker) Name() string { return "recover" }

func (r recoverChecker) Check(ctx context.Context, c *checkContext) error {
	st := c.strategy
	if st == nil {
		return nil
	}
	a := c.alert
	points := int64(st.Recovery.CheckWindow)
	if points <= 0 {
		points = 1
	}
	interval := st.MaxInterval()
	if it, ok := st.Item(a.ItemID); ok && it.Interval > 0 {
		interval = it.Interval
	}

	if a.Status == model.StatusAbnormal {
		if c.now-a.LatestTime < points*interval {
			return nil
		}
		key := cache.SeriesKey{RuleID: a.StrategyID, ItemID: a.ItemID, Fingerprint: a.Fingerprint, Level: a.EventLevel()}
		checks, err := r.cache.CheckResults(ctx, key, a.LatestTime, c.now)
		if err != nil {
			return err
		}
		if int64(len(checks)) < points {
			return nil
		}
		for _, p := range checks {
			if p.Anomalous {
				return nil
			}
		}
		if !c.move(model.TransRecover, "", "recovered") {
			return nil
		}
		a.ExtraInfo.RecoveringSince = c.now
	}
	if a.Status == model.StatusRecovering && c.now-a.ExtraInfo.RecoveringSince >= st.Recovery.Observe {
		c.move(model.TransRecover, "", "recovered")
	}
	return nil
}

// shieldChecker toggles is_shielded. It never changes the status.
type shieldChecker struct{}

func (shieldChecker) Name() string { return "shield" }

func (shieldChecker) Check(_ context.Context, c *checkContext) error {
	if c.catalog == nil {
		return nil
	}
	a := c.alert
	var ids []int64
	for _, s := range c.catalog.Shields(a.BizID) {
		if s.Matches(a, c.now) {
			ids = append(ids, s.ID)
		}
	}
	shielded := len(ids) > 0
	if shielded == a.IsShielded && sameIDs(ids, a.ShieldIDs) {
		return nil
	}
	a.IsShielded = shielded
	a.ShieldIDs = ids
	c.log(model.LogOpShield, "", "", "", fmt.Sprintf("shielded=%t by %v", shielded, ids))
	return nil
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ackChecker applies pending manual acknowledgements.
type ackChecker struct {
	cache *cache.Cache
}

func (ackChecker) Name() string { return "ack" }

func (k ackChecker) Check(ctx context.Context, c *checkContext) error {
	a := c.alert
	req, err := k.cache.AckRequest(ctx, a.DedupMD5)
	if err != nil || req == nil {
		return err
	}
	c.after = append(c.after, func(ctx context.Context) error { return k.cache.ClearAckRequest(ctx, a.DedupMD5) })
	if a.IsAck {
		return nil
	}
	a.IsAck = true
	a.IsHandled = true
	a.AckOperator = req.Operator
	c.log(model.LogOpAck, "", "", req.Operator, req.Reason)
	c.signal(model.SignalAck, 0)
	return nil
}

// upgradeChecker escalates unacknowledged abnormal alerts one tier per interval.
// Tier 0 is the supervisor group set at assignment; tier k adds Upgrade.UserGroups[k].
type upgradeChecker struct{}

func (upgradeChecker) Name() string { return "upgrade" }

func (upgradeChecker) Check(_ context.Context, c *checkContext) error {
	a := c.alert
	if a.Status != model.StatusAbnormal || a.IsAck || a.ExtraInfo.Assignment == nil {
		return nil
	}
	up := a.ExtraInfo.Assignment.Upgrade
	if up == nil || !up.Enabled || up.Interval <= 0 || len(up.UserGroups) < 2 {
		return nil
	}
	tier := int((c.now - a.CreateTime) / up.Interval)
	if tier > len(up.UserGroups)-1 {
		tier = len(up.UserGroups) - 1
	}
	for k := a.ExtraInfo.UpgradeLevel + 1; k <= tier; k++ {
		var users []string
		if c.catalog != nil {
			users = c.catalog.ResolveUsers([]int64{up.UserGroups[k]}, unix(c.now))
		}
		a.Supervisor = appendUnique(a.Supervisor, users...)
		a.ExtraInfo.UpgradeLevel = k
		c.log(model.LogOpUpgrade, "", fmt.Sprintf("tier %d", k), "", fmt.Sprintf("upgraded to user group %d", up.UserGroups[k]))
		c.signal(model.SignalUpgrade, k)
	}
	return nil
}

func appendUnique(dst []string, vals ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}

// actionHandleChecker re-emits every signal the dispatcher has not acknowledged.
type actionHandleChecker struct{}

func (actionHandleChecker) Name() string { return "action_handle" }

func (actionHandleChecker) Check(_ context.Context, c *checkContext) error {
	a := c.alert
	x := &a.ExtraInfo
	if sig, ok := model.SignalForStatus(a.Status); ok && !x.SignalDone(model.SignalKey(sig, 0)) {
		c.signal(sig, 0)
	}
	if a.IsAck && !x.SignalDone(model.SignalKey(model.SignalAck, 0)) {
		c.signal(model.SignalAck, 0)
	}
	for k := 1; k <= x.UpgradeLevel; k++ {
		if !x.SignalDone(model.SignalKey(model.SignalUpgrade, k)) {
			c.signal(model.SignalUpgrade, k)
		}
	}
	return nil
}
