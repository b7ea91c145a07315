package dispatch

import (
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
)

// Assign routes a to the first matching rule of the highest priority tier.
// Within a tier the biz's own groups are tried before global ones. When no
// rule matches the strategy's notice config is used. Rules whose conditions
// cannot be evaluated are skipped; the last such error is returned with the
// result along with the matched rule's additional tags.
func Assign(m *Matcher, cat *ruleset.Catalog, st *model.Strategy, a *model.Alert, now int64) (*model.Assignment, map[string]string, error) {
	fields := a.Fields()
	var cfgErr error
	for _, prio := range cat.Priorities(a.BizID) {
		for _, g := range cat.GroupsAt(a.BizID, prio) {
			if !g.Enabled {
				continue
			}
			for i := range g.Rules {
				r := &g.Rules[i]
				if !r.Enabled {
					continue
				}
				ok, err := m.Match(r.Conditions, fields)
				if err != nil {
					cfgErr = err
					continue
				}
				if !ok {
					continue
				}
				asg := &model.Assignment{
					Matched:     true,
					GroupID:     g.ID,
					RuleID:      r.ID,
					Priority:    prio,
					UserGroups:  r.UserGroups,
					Actions:     r.Actions,
					Upgrade:     r.Upgrade,
					Severity:    r.AlertSeverity,
					AssignTime:  now,
					ForSeverity: a.Severity,
				}
				if len(asg.Actions) == 0 && st != nil {
					asg.Actions = strategyActions(st)
				}
				return asg, r.AdditionalTags, cfgErr
			}
		}
	}
	asg := &model.Assignment{AssignTime: now, ForSeverity: a.Severity}
	if st != nil {
		asg.UserGroups = st.Notice.UserGroups
		asg.Actions = strategyActions(st)
	}
	return asg, nil, cfgErr
}

func strategyActions(st *model.Strategy) []model.ActionRef {
	out := make([]model.ActionRef, 0, len(st.Actions)+1)
	if st.Notice.TemplateID != 0 {
		out = append(out, st.Notice)
	}
	return append(out, st.Actions...)
}

// needsAssign reports whether a must be routed again: it was never routed or
// its severity moved since.
func needsAssign(a *model.Alert) bool {
	asg := a.ExtraInfo.Assignment
	if asg == nil {
		return true
	}
	if a.Severity == asg.ForSeverity {
		return false
	}
	return !(asg.Severity.Valid() && a.Severity == asg.Severity)
}

// applyAssignment writes responders onto a. The first upgrade group is the
// initial supervisor tier.
func applyAssignment(cat *ruleset.Catalog, a *model.Alert, asg *model.Assignment, tags map[string]string, now time.Time) {
	a.ExtraInfo.Assignment = asg
	a.Assignee = cat.ResolveUsers(asg.UserGroups, now)
	if asg.Matched {
		a.Appointee = a.Assignee
	}
	if up := asg.Upgrade; up != nil && up.Enabled && len(up.UserGroups) > 0 {
		a.Supervisor = appendUnique(a.Supervisor, cat.ResolveUsers(up.UserGroups[:1], now)...)
	}
	if asg.Severity.Valid() && asg.Severity != a.Severity {
		a.Severity = asg.Severity
	}
	if len(tags) > 0 {
		if a.ExtraInfo.AdditionalTags == nil {
			a.ExtraInfo.AdditionalTags = map[string]string{}
		}
		for k, v := range tags {
			a.ExtraInfo.AdditionalTags[k] = v
		}
	}
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
