package model

import "time"

// AssignGroup is an ordered routing group. BizID 0 means global.
type AssignGroup struct {
	ID       int64        `json:"id" yaml:"id"`
	BizID    int64        `json:"bk_biz_id" yaml:"bk_biz_id"`
	Name     string       `json:"name" yaml:"name"`
	Priority int          `json:"priority" yaml:"priority"`
	Enabled  bool         `json:"is_enabled" yaml:"is_enabled"`
	Rules    []AssignRule `json:"rules" yaml:"rules"`
}

// AssignRule matches alerts and names responders and actions.
type AssignRule struct {
	ID             int64             `json:"id" yaml:"id"`
	Enabled        bool              `json:"is_enabled" yaml:"is_enabled"`
	Conditions     []Condition       `json:"conditions" yaml:"conditions"`
	UserGroups     []int64           `json:"user_groups" yaml:"user_groups"`
	Actions        []ActionRef       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Upgrade        *UpgradeConfig    `json:"upgrade_config,omitempty" yaml:"upgrade_config,omitempty"`
	AlertSeverity  Level             `json:"alert_severity,omitempty" yaml:"alert_severity,omitempty"`
	AdditionalTags map[string]string `json:"additional_tags,omitempty" yaml:"additional_tags,omitempty"`
}

// Condition is one (field, method, value) predicate. Connector joins it with the previous one.
type Condition struct {
	Field     string   `json:"field" yaml:"field"`
	Method    string   `json:"method" yaml:"method"`
	Value     []string `json:"value" yaml:"value"`
	Connector string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Condition methods.
const (
	MethodEq         = "eq"
	MethodNeq        = "neq"
	MethodLt         = "lt"
	MethodLte        = "lte"
	MethodGt         = "gt"
	MethodGte        = "gte"
	MethodInclude    = "include"
	MethodExclude    = "exclude"
	MethodReg        = "reg"
	MethodNreg       = "nreg"
	MethodIsSuperset = "issuperset"
)

// ValidMethod reports whether m is a supported condition method.
func ValidMethod(m string) bool {
	switch m {
	case MethodEq, MethodNeq, MethodLt, MethodLte, MethodGt, MethodGte,
		MethodInclude, MethodExclude, MethodReg, MethodNreg, MethodIsSuperset:
		return true
	}
	return false
}

// UpgradeConfig escalates to UserGroups, one tier every Interval seconds.
type UpgradeConfig struct {
	Enabled    bool    `json:"is_enabled" yaml:"is_enabled"`
	Interval   int64   `json:"upgrade_interval" yaml:"upgrade_interval"`
	UserGroups []int64 `json:"user_groups" yaml:"user_groups"`
}

// UserGroup is a set of responders.
type UserGroup struct {
	ID    int64    `json:"id" yaml:"id"`
	BizID int64    `json:"bk_biz_id" yaml:"bk_biz_id"`
	Name  string   `json:"name" yaml:"name"`
	Users []string `json:"users" yaml:"users"`
	// DutyIDs reference rosters whose current members are added to Users.
	DutyIDs []int64 `json:"duty_ids,omitempty" yaml:"duty_ids,omitempty"`
}

// Duty is a rotating roster. The member handed the shift at time t is
// Rotation[(t-Start)/Period % len(Rotation)].
type Duty struct {
	ID       int64      `json:"id" yaml:"id"`
	Start    int64      `json:"start" yaml:"start"`
	Period   int64      `json:"period" yaml:"period"`
	Rotation [][]string `json:"rotation" yaml:"rotation"`
}

// OnDuty returns the members on shift at t.
func (d *Duty) OnDuty(t time.Time) []string {
	if len(d.Rotation) == 0 {
		return nil
	}
	if d.Period <= 0 || t.Unix() < d.Start {
		return d.Rotation[0]
	}
	idx := ((t.Unix() - d.Start) / d.Period) % int64(len(d.Rotation))
	return d.Rotation[idx]
}

const (
	PluginNotice   = "notice"
	PluginWebhook  = "webhook"
	PluginJob      = "job"
	PluginChatbot  = "chatbot"
	PluginWorkflow = "workflow"
)

// ActionTemplate declares a plugin invocation and its convergence.
type ActionTemplate struct {
	ID         int64          `json:"id" yaml:"id"`
	BizID      int64          `json:"bk_biz_id" yaml:"bk_biz_id"`
	Name       string         `json:"name" yaml:"name"`
	PluginType string         `json:"plugin_type" yaml:"plugin_type"`
	Signals    []Signal       `json:"signal" yaml:"signal"`
	Execute    map[string]any `json:"execute_config,omitempty" yaml:"execute_config,omitempty"`
	Timeout    int64          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Converge   ConvergeConfig `json:"converge_config" yaml:"converge_config"`
	// ConvergeUpgrade controls whether UPGRADE firings are subject to convergence. Nil means true.
	ConvergeUpgrade *bool `json:"converge_upgrade,omitempty" yaml:"converge_upgrade,omitempty"`
}

// Handles reports whether the template fires on sig.
func (t *ActionTemplate) Handles(sig Signal) bool {
	for _, s := range t.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

// ConvergesUpgrade reports whether UPGRADE firings go through convergence.
func (t *ActionTemplate) ConvergesUpgrade() bool {
	return t.ConvergeUpgrade == nil || *t.ConvergeUpgrade
}

const (
	WindowTumbling = "tumbling"
	WindowSliding  = "sliding"
)

// ConvergeConfig groups firings by Dimensions within Window seconds.
type ConvergeConfig struct {
	Enabled    bool     `json:"is_enabled" yaml:"is_enabled"`
	Dimensions []string `json:"dimensions" yaml:"dimensions"`
	Window     int64    `json:"timedelta" yaml:"timedelta"`
	WindowType string   `json:"window_type,omitempty" yaml:"window_type,omitempty"`
}

// Shield suppresses notifications for matching alerts.
type Shield struct {
	ID          int64               `json:"id" yaml:"id"`
	BizID       int64               `json:"bk_biz_id" yaml:"bk_biz_id"`
	Enabled     bool                `json:"is_enabled" yaml:"is_enabled"`
	BeginTime   int64               `json:"begin_time" yaml:"begin_time"`
	EndTime     int64               `json:"end_time" yaml:"end_time"`
	Category    string              `json:"category" yaml:"category"`
	StrategyIDs []int64             `json:"strategy_ids,omitempty" yaml:"strategy_ids,omitempty"`
	Levels      []Level             `json:"levels,omitempty" yaml:"levels,omitempty"`
	Dimensions  map[string][]string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	DedupMD5s   []string            `json:"dedup_md5s,omitempty" yaml:"dedup_md5s,omitempty"`
}

const (
	ShieldStrategy  = "strategy"
	ShieldDimension = "dimension"
	ShieldAlert     = "alert"
	ShieldScope     = "scope"
)

// Matches reports whether the shield applies to the alert at time now.
func (s *Shield) Matches(a *Alert, now int64) bool {
	if !s.Enabled {
		return false
	}
	if s.BeginTime > 0 && now < s.BeginTime {
		return false
	}
	if s.EndTime > 0 && now >= s.EndTime {
		return false
	}
	if s.BizID != 0 && s.BizID != a.BizID {
		return false
	}
	switch s.Category {
	case ShieldAlert:
		return containsString(s.DedupMD5s, a.DedupMD5)
	case ShieldStrategy:
		if !containsInt64(s.StrategyIDs, a.StrategyID) {
			return false
		}
	}
	if len(s.Levels) > 0 {
		found := false
		for _, l := range s.Levels {
			if l == a.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, vals := range s.Dimensions {
		v, ok := a.Dims[k]
		if !ok || !containsString(vals, v) {
			return false
		}
	}
	return true
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt64(xs []int64, v int64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ActionStatus is the state of an action instance.
type ActionStatus string

const (
	ActionReceived  ActionStatus = "received"
	ActionRunning   ActionStatus = "running"
	ActionSuccess   ActionStatus = "success"
	ActionFailure   ActionStatus = "failure"
	ActionSkipped   ActionStatus = "skipped"
	ActionConverged ActionStatus = "converged"
	ActionShield    ActionStatus = "shield"
)

// Terminal reports whether the action will not change again.
func (s ActionStatus) Terminal() bool {
	return s != ActionReceived && s != ActionRunning
}

// ActionInstance is a single dispatched side effect.
type ActionInstance struct {
	ActionID          string         `json:"action_id"`
	AlertIDs          []string       `json:"alert_ids"`
	DedupMD5          string         `json:"dedup_md5"`
	BizID             int64          `json:"bk_biz_id"`
	StrategyID        int64          `json:"strategy_id"`
	Signal            Signal         `json:"signal"`
	SignalKey         string         `json:"signal_key"`
	PluginType        string         `json:"plugin_type"`
	ConfigRef         int64          `json:"action_config_id"`
	Status            ActionStatus   `json:"status"`
	FailureType       string         `json:"failure_type,omitempty"`
	Receivers         []string       `json:"receivers,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	Outputs           map[string]any `json:"outputs,omitempty"`
	ExData            map[string]any `json:"ex_data,omitempty"`
	ConvergeKey       string         `json:"converge_key,omitempty"`
	ConvergeID        string         `json:"converge_id,omitempty"`
	IsConvergePrimary bool           `json:"is_converge_primary"`
	CreateTime        int64          `json:"create_time"`
	EndTime           int64          `json:"end_time,omitempty"`
}

const (
	FailureTimeout   = "timeout"
	FailureUnknown   = "unknown"
	FailureExecute   = "execute_failure"
	FailureConfig    = "config_error"
	FailureFrameDown = "framework_error"
)
