package dispatch

import (
	"testing"

	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
)

func cond(field, method string, values ...string) model.Condition {
	return model.Condition{Field: field, Method: method, Value: values}
}

func TestMatcherMethods(t *testing.T) {
	fields := map[string]any{
		"severity":    2,
		"strategy_id": int64(7),
		"ip":          "10.0.0.1",
		"labels":      []string{"db", "prod"},
		"is_shielded": false,
	}
	tests := []struct {
		name string
		c    model.Condition
		want bool
	}{
		{"eq", cond("ip", model.MethodEq, "10.0.0.2", "10.0.0.1"), true},
		{"eq missing field", cond("host", model.MethodEq, "x"), false},
		{"neq", cond("ip", model.MethodNeq, "10.0.0.2"), true},
		{"neq missing field", cond("host", model.MethodNeq, "x"), true},
		{"lt exclusive", cond("severity", model.MethodLt, "2"), false},
		{"lte inclusive", cond("severity", model.MethodLte, "2"), true},
		{"gt exclusive", cond("strategy_id", model.MethodGt, "7"), false},
		{"gte inclusive", cond("strategy_id", model.MethodGte, "7"), true},
		{"gt non numeric", cond("ip", model.MethodGt, "1"), false},
		{"include", cond("ip", model.MethodInclude, "10.0."), true},
		{"exclude", cond("ip", model.MethodExclude, "192.168."), true},
		{"reg", cond("ip", model.MethodReg, `^10\.0\.0\.\d+$`), true},
		{"nreg", cond("ip", model.MethodNreg, `^10\.`), false},
		{"issuperset", cond("labels", model.MethodIsSuperset, "prod", "db"), true},
		{"issuperset missing", cond("labels", model.MethodIsSuperset, "prod", "web"), false},
		{"bool field", cond("is_shielded", model.MethodEq, "false"), true},
		{"list eq", cond("labels", model.MethodEq, "prod"), true},
	}
	m := NewMatcher(8)
	for _, tt := range tests {
		got, err := m.Match([]model.Condition{tt.c}, fields)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

func TestMatcherConnectors(t *testing.T) {
	fields := map[string]any{"severity": 1, "ip": "10.0.0.1"}
	m := NewMatcher(0)
	and := []model.Condition{cond("severity", model.MethodEq, "1"), cond("ip", model.MethodEq, "nope")}
	if ok, _ := m.Match(and, fields); ok {
		t.Fatalf("and of true and false matched")
	}
	or := []model.Condition{cond("severity", model.MethodEq, "3"), cond("ip", model.MethodEq, "10.0.0.1")}
	or[1].Connector = model.ConnectorOr
	if ok, _ := m.Match(or, fields); !ok {
		t.Fatalf("or of false and true did not match")
	}
	// (false and true) or (true and true)
	mixed := []model.Condition{
		cond("severity", model.MethodEq, "3"),
		cond("ip", model.MethodEq, "10.0.0.1"),
		{Field: "severity", Method: model.MethodEq, Value: []string{"1"}, Connector: model.ConnectorOr},
		{Field: "ip", Method: model.MethodInclude, Value: []string{"10."}, Connector: model.ConnectorAnd},
	}
	if ok, _ := m.Match(mixed, fields); !ok {
		t.Fatalf("second conjunction should match")
	}
	if ok, _ := m.Match(nil, fields); !ok {
		t.Fatalf("empty conditions match everything")
	}
}

func TestMatcherRejectsBadConfig(t *testing.T) {
	m := NewMatcher(0)
	_, err := m.Match([]model.Condition{cond("ip", "like", "x")}, map[string]any{"ip": "x"})
	if model.KindOf(err) != model.KindConfig {
		t.Fatalf("unknown method: got %v", err)
	}
	_, err = m.Match([]model.Condition{cond("ip", model.MethodReg, "(")}, map[string]any{"ip": "x"})
	if model.KindOf(err) != model.KindConfig {
		t.Fatalf("bad pattern: got %v", err)
	}
}

func TestAssignPicksHighestPriority(t *testing.T) {
	d := &ruleset.Data{
		Strategies: []model.Strategy{{ID: 1, BizID: 2, Notice: model.ActionRef{TemplateID: 100, UserGroups: []int64{9}}}},
		Templates:  []model.ActionTemplate{{ID: 100, PluginType: model.PluginNotice}},
		UserGroups: []model.UserGroup{{ID: 1, Users: []string{"a"}}, {ID: 2, Users: []string{"b"}}, {ID: 3, Users: []string{"g"}}},
		AssignGroups: []model.AssignGroup{
			{ID: 10, BizID: 2, Priority: 10, Enabled: true, Rules: []model.AssignRule{
				{ID: 11, Enabled: true, Conditions: []model.Condition{cond("severity", model.MethodEq, "1")}, UserGroups: []int64{1}}}},
			{ID: 20, BizID: 2, Priority: 5, Enabled: true, Rules: []model.AssignRule{
				{ID: 21, Enabled: true, UserGroups: []int64{2}}}},
			{ID: 30, BizID: 0, Priority: 100, Enabled: true, Rules: []model.AssignRule{
				{ID: 31, Enabled: true, Conditions: []model.Condition{cond("alert.event_source", model.MethodEq, "bkmonitor")},
					UserGroups: []int64{3}}}},
		},
	}
	cat := ruleset.NewCatalog(d)
	st, _ := cat.Strategy(1)
	m := NewMatcher(0)

	tests := []struct {
		severity  model.Level
		source    string
		wantGroup int64
	}{
		{model.LevelWarning, "bkmonitor", 30},
		{model.LevelFatal, "external", 10},
		{model.LevelInfo, "external", 20},
	}
	for _, tt := range tests {
		a := &model.Alert{BizID: 2, StrategyID: 1, Severity: tt.severity, EventSource: tt.source}
		asg, _, err := Assign(m, cat, st, a, 0)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if !asg.Matched || asg.GroupID != tt.wantGroup {
			t.Fatalf("severity=%d source=%s: got group %d (matched=%v) want %d",
				tt.severity, tt.source, asg.GroupID, asg.Matched, tt.wantGroup)
		}
		if len(asg.Actions) != 1 || asg.Actions[0].TemplateID != 100 {
			t.Fatalf("rule without actions should fall back to the strategy notice, got %+v", asg.Actions)
		}
	}
}

func TestAssignFallsBackToNotice(t *testing.T) {
	cat := ruleset.NewCatalog(&ruleset.Data{
		Strategies: []model.Strategy{{ID: 1, BizID: 2, Notice: model.ActionRef{TemplateID: 100, UserGroups: []int64{9}}}},
		Templates:  []model.ActionTemplate{{ID: 100, PluginType: model.PluginNotice}},
	})
	st, _ := cat.Strategy(1)
	asg, _, err := Assign(NewMatcher(0), cat, st, &model.Alert{BizID: 2, StrategyID: 1, Severity: model.LevelFatal}, 50)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if asg.Matched || len(asg.UserGroups) != 1 || asg.UserGroups[0] != 9 || asg.AssignTime != 50 {
		t.Fatalf("unexpected fallback %+v", asg)
	}
}

func TestNeedsAssign(t *testing.T) {
	a := &model.Alert{Severity: model.LevelWarning}
	if !needsAssign(a) {
		t.Fatalf("unrouted alert must be assigned")
	}
	a.ExtraInfo.Assignment = &model.Assignment{ForSeverity: model.LevelWarning}
	if needsAssign(a) {
		t.Fatalf("same severity keeps the assignment")
	}
	a.Severity = model.LevelFatal
	if !needsAssign(a) {
		t.Fatalf("severity raise re-routes")
	}
	a.ExtraInfo.Assignment.Severity = model.LevelFatal
	if needsAssign(a) {
		t.Fatalf("severity set by the rule itself keeps the assignment")
	}
}
