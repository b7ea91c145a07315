package ruleset

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

// Catalog is an immutable, indexed view of Data. Configuration objects live in
// slices and reference each other by index, never by pointer.
type Catalog struct {
	strategies []model.Strategy
	groups     []model.AssignGroup
	userGroups []model.UserGroup
	duties     []model.Duty
	templates  []model.ActionTemplate
	shields    []model.Shield
	hosts      []Host

	strategyIdx  map[int64]int
	userGroupIdx map[int64]int
	dutyIdx      map[int64]int
	templateIdx  map[int64]int
	// groupsByBiz holds enabled group indexes per biz, highest priority first.
	groupsByBiz map[int64][]int

	// Problems lists configuration errors found while building. Offending rules are disabled.
	Problems []Problem
	LoadedAt time.Time
}

// Problem is a configuration error scoped to a strategy or assignment rule.
type Problem struct {
	StrategyID int64
	GroupID    int64
	RuleID     int64
	Err        error
}

// NewCatalog indexes d. Invalid assignment rules are disabled and reported in Problems.
func NewCatalog(d *Data) *Catalog {
	if d == nil {
		d = &Data{}
	}
	c := &Catalog{
		strategies:   append([]model.Strategy(nil), d.Strategies...),
		groups:       make([]model.AssignGroup, len(d.AssignGroups)),
		userGroups:   append([]model.UserGroup(nil), d.UserGroups...),
		duties:       append([]model.Duty(nil), d.Duties...),
		templates:    append([]model.ActionTemplate(nil), d.Templates...),
		shields:      append([]model.Shield(nil), d.Shields...),
		hosts:        append([]Host(nil), d.Hosts...),
		strategyIdx:  map[int64]int{},
		userGroupIdx: map[int64]int{},
		dutyIdx:      map[int64]int{},
		templateIdx:  map[int64]int{},
		groupsByBiz:  map[int64][]int{},
		LoadedAt:     time.Now(),
	}
	for i := range c.strategies {
		c.strategyIdx[c.strategies[i].ID] = i
	}
	for i := range c.userGroups {
		c.userGroupIdx[c.userGroups[i].ID] = i
	}
	for i := range c.duties {
		c.dutyIdx[c.duties[i].ID] = i
	}
	for i := range c.templates {
		c.templateIdx[c.templates[i].ID] = i
	}
	for i, g := range d.AssignGroups {
		g.Rules = append([]model.AssignRule(nil), g.Rules...)
		for j := range g.Rules {
			if err := c.checkRule(&g.Rules[j]); err != nil {
				g.Rules[j].Enabled = false
				c.Problems = append(c.Problems, Problem{GroupID: g.ID, RuleID: g.Rules[j].ID, Err: err})
			}
		}
		c.groups[i] = g
		if g.Enabled {
			c.groupsByBiz[g.BizID] = append(c.groupsByBiz[g.BizID], i)
		}
	}
	for biz := range c.groupsByBiz {
		idx := c.groupsByBiz[biz]
		sort.SliceStable(idx, func(a, b int) bool { return c.groups[idx[a]].Priority > c.groups[idx[b]].Priority })
	}
	for _, s := range c.strategies {
		for _, ref := range append([]model.ActionRef{s.Notice}, s.Actions...) {
			if ref.TemplateID == 0 {
				continue
			}
			if _, ok := c.templateIdx[ref.TemplateID]; !ok {
				c.Problems = append(c.Problems, Problem{StrategyID: s.ID,
					Err: fmt.Errorf("unknown action template %d", ref.TemplateID)})
			}
		}
	}
	return c
}

func (c *Catalog) checkRule(r *model.AssignRule) error {
	for _, cond := range r.Conditions {
		if !model.ValidMethod(cond.Method) {
			return fmt.Errorf("invalid matcher method %q on field %q", cond.Method, cond.Field)
		}
		if cond.Method == model.MethodReg || cond.Method == model.MethodNreg {
			for _, v := range cond.Value {
				if _, err := regexp.Compile(v); err != nil {
					return fmt.Errorf("invalid pattern on field %q: %w", cond.Field, err)
				}
			}
		}
	}
	for _, a := range r.Actions {
		if _, ok := c.templateIdx[a.TemplateID]; !ok {
			return fmt.Errorf("unknown action template %d", a.TemplateID)
		}
	}
	return nil
}

// Strategy returns the strategy with id.
func (c *Catalog) Strategy(id int64) (*model.Strategy, bool) {
	i, ok := c.strategyIdx[id]
	if !ok {
		return nil, false
	}
	return &c.strategies[i], true
}

// Strategies returns enabled strategies.
func (c *Catalog) Strategies() []*model.Strategy {
	out := make([]*model.Strategy, 0, len(c.strategies))
	for i := range c.strategies {
		if c.strategies[i].Enabled {
			out = append(out, &c.strategies[i])
		}
	}
	return out
}

func (c *Catalog) Template(id int64) (*model.ActionTemplate, bool) {
	i, ok := c.templateIdx[id]
	if !ok {
		return nil, false
	}
	return &c.templates[i], true
}

func (c *Catalog) UserGroup(id int64) (*model.UserGroup, bool) {
	i, ok := c.userGroupIdx[id]
	if !ok {
		return nil, false
	}
	return &c.userGroups[i], true
}

// ResolveUsers flattens user groups and their duty rosters at t into a deduplicated user list.
func (c *Catalog) ResolveUsers(groupIDs []int64, t time.Time) []string {
	seen := map[string]bool{}
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, gid := range groupIDs {
		g, ok := c.UserGroup(gid)
		if !ok {
			continue
		}
		for _, u := range g.Users {
			add(u)
		}
		for _, did := range g.DutyIDs {
			i, ok := c.dutyIdx[did]
			if !ok {
				continue
			}
			for _, u := range c.duties[i].OnDuty(t) {
				add(u)
			}
		}
	}
	return out
}

// Priorities returns the distinct priorities of biz and global groups, highest first.
func (c *Catalog) Priorities(bizID int64) []int {
	seen := map[int]bool{}
	var out []int
	for _, biz := range []int64{bizID, 0} {
		for _, i := range c.groupsByBiz[biz] {
			p := c.groups[i].Priority
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		if bizID == 0 {
			break
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// GroupsAt returns enabled groups at priority: the biz's own first, global last.
func (c *Catalog) GroupsAt(bizID int64, priority int) []*model.AssignGroup {
	var out []*model.AssignGroup
	for _, biz := range []int64{bizID, 0} {
		for _, i := range c.groupsByBiz[biz] {
			if c.groups[i].Priority == priority {
				out = append(out, &c.groups[i])
			}
		}
		if bizID == 0 {
			break
		}
	}
	return out
}

// Shields returns all shields of biz and global scope.
func (c *Catalog) Shields(bizID int64) []*model.Shield {
	var out []*model.Shield
	for i := range c.shields {
		if c.shields[i].BizID == 0 || c.shields[i].BizID == bizID {
			out = append(out, &c.shields[i])
		}
	}
	return out
}

func (c *Catalog) Hosts() []Host { return c.hosts }
