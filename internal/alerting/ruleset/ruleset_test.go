package ruleset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	abd "github.com/qiniu/alarmflow/internal/alerting/database"
	"github.com/qiniu/alarmflow/internal/alerting/model"
)

func routingData() *Data {
	return &Data{
		Templates: []model.ActionTemplate{{ID: 7, PluginType: model.PluginNotice}},
		AssignGroups: []model.AssignGroup{
			{ID: 1, BizID: 2, Priority: 10, Enabled: true, Rules: []model.AssignRule{{ID: 11, Enabled: true}}},
			{ID: 2, BizID: 2, Priority: 5, Enabled: true, Rules: []model.AssignRule{{ID: 21, Enabled: true}}},
			{ID: 3, BizID: 0, Priority: 100, Enabled: true, Rules: []model.AssignRule{{ID: 31, Enabled: true}}},
			{ID: 4, BizID: 0, Priority: 10, Enabled: true},
			{ID: 5, BizID: 2, Priority: 50, Enabled: false},
			{ID: 6, BizID: 3, Priority: 70, Enabled: true},
		},
	}
}

func TestPrioritiesMergeBizAndGlobal(t *testing.T) {
	c := NewCatalog(routingData())
	got := c.Priorities(2)
	want := []int{100, 10, 5}
	if len(got) != len(want) {
		t.Fatalf("priorities: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priorities: got %v want %v", got, want)
		}
	}
}

func TestGroupsAtPutsGlobalLast(t *testing.T) {
	c := NewCatalog(routingData())
	gs := c.GroupsAt(2, 10)
	if len(gs) != 2 || gs[0].ID != 1 || gs[1].ID != 4 {
		t.Fatalf("unexpected order: %+v", gs)
	}
	if gs := c.GroupsAt(2, 50); len(gs) != 0 {
		t.Fatalf("disabled group must be skipped: %+v", gs)
	}
}

func TestInvalidRuleIsDisabled(t *testing.T) {
	d := routingData()
	d.AssignGroups[0].Rules = append(d.AssignGroups[0].Rules,
		model.AssignRule{ID: 12, Enabled: true, Conditions: []model.Condition{{Field: "severity", Method: "like", Value: []string{"1"}}}},
		model.AssignRule{ID: 13, Enabled: true, Conditions: []model.Condition{{Field: "ip", Method: model.MethodReg, Value: []string{"("}}}},
		model.AssignRule{ID: 14, Enabled: true, Actions: []model.ActionRef{{TemplateID: 99}}},
	)
	c := NewCatalog(d)
	if len(c.Problems) != 3 {
		t.Fatalf("expected 3 problems, got %+v", c.Problems)
	}
	rules := c.GroupsAt(2, 10)[0].Rules
	if !rules[0].Enabled || rules[1].Enabled || rules[2].Enabled || rules[3].Enabled {
		t.Fatalf("unexpected enabled flags: %+v", rules)
	}
	// input untouched
	if !d.AssignGroups[0].Rules[1].Enabled {
		t.Fatalf("catalog must not mutate input")
	}
}

func TestResolveUsersIncludesDuty(t *testing.T) {
	d := &Data{
		UserGroups: []model.UserGroup{
			{ID: 1, Users: []string{"alice", "bob"}, DutyIDs: []int64{9}},
			{ID: 2, Users: []string{"bob", "carol"}},
		},
		Duties: []model.Duty{{ID: 9, Start: 0, Period: 3600, Rotation: [][]string{{"dave"}, {"erin"}}}},
	}
	c := NewCatalog(d)
	got := c.ResolveUsers([]int64{1, 2, 42}, time.Unix(3600, 0))
	want := []string{"alice", "bob", "erin", "carol"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestShieldsScopedByBiz(t *testing.T) {
	c := NewCatalog(&Data{Shields: []model.Shield{{ID: 1}, {ID: 2, BizID: 2}, {ID: 3, BizID: 3}}})
	if got := c.Shields(2); len(got) != 2 {
		t.Fatalf("expected global and biz shields, got %+v", got)
	}
}

const sampleYAML = `
strategies:
  - id: 1
    bk_biz_id: 2
    name: cpu high
    is_enabled: true
    items:
      - id: 10
        data_source: time_series
        interval: 60
        dimensions: [ip]
        algorithms:
          - {id: 100, level: 1, type: threshold, config: {method: gt, threshold: 50}}
    trigger: {count: 3, check_window: 3}
    recovery: {check_window: 2}
action_templates:
  - id: 7
    plugin_type: notice
    signal: [ABNORMAL, RECOVERED]
hosts:
  - {ip: 10.0.0.1, bk_cloud_id: 0, bk_host_id: 5, bk_biz_id: 2}
`

func TestFileProviderLoadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruleset.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := FileProvider{Path: path}.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(d.Strategies) != 1 || d.Strategies[0].Items[0].Algorithms[0].Kind != "threshold" {
		t.Fatalf("unexpected strategies: %+v", d.Strategies)
	}
	if d.Strategies[0].Trigger.Count != 3 || !d.Templates[0].Handles(model.SignalRecovered) {
		t.Fatalf("unexpected decode: %+v", d)
	}
	hosts, err := FileProvider{Path: path}.Hosts(context.Background())
	if err != nil || len(hosts) != 1 || hosts[0].HostID != 5 {
		t.Fatalf("hosts: %v %+v", err, hosts)
	}
	if _, err := (FileProvider{Path: filepath.Join(t.TempDir(), "missing")}).Load(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestPgProviderLoad(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(qStrategies).WillReturnRows(sqlmock.NewRows([]string{"config"}).
		AddRow([]byte(`{"id":1,"bk_biz_id":2,"is_enabled":true,"items":[{"id":10,"interval":60}]}`)))
	mock.ExpectQuery(qAssignGroups).WillReturnRows(sqlmock.NewRows([]string{"config"}).
		AddRow([]byte(`{"id":3,"priority":100,"is_enabled":true}`)))
	mock.ExpectQuery(qUserGroups).WillReturnRows(sqlmock.NewRows([]string{"config"}))
	mock.ExpectQuery(qDuties).WillReturnRows(sqlmock.NewRows([]string{"config"}))
	mock.ExpectQuery(qTemplates).WillReturnRows(sqlmock.NewRows([]string{"config"}).
		AddRow([]byte(`{"id":7,"plugin_type":"webhook"}`)))
	mock.ExpectQuery(qShields).WillReturnRows(sqlmock.NewRows([]string{"config"}))
	mock.ExpectQuery(qHosts).WillReturnRows(sqlmock.NewRows([]string{"ip", "bk_cloud_id", "bk_host_id", "bk_biz_id", "attrs"}).
		AddRow("10.0.0.1", int64(0), int64(5), int64(2), []byte(`{"bk_set_name":"gz"}`)))

	p := NewPgProvider(abd.NewWithDB(db))
	d, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(d.Strategies) != 1 || d.Strategies[0].BizID != 2 || d.Strategies[0].Items[0].Interval != 60 {
		t.Fatalf("strategies: %+v", d.Strategies)
	}
	if len(d.AssignGroups) != 1 || d.AssignGroups[0].Priority != 100 {
		t.Fatalf("groups: %+v", d.AssignGroups)
	}
	if len(d.Hosts) != 1 || d.Hosts[0].Attrs["bk_set_name"] != "gz" {
		t.Fatalf("hosts: %+v", d.Hosts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPgProviderQueryError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectQuery(qStrategies).WillReturnError(errors.New("connection refused"))
	if _, err := NewPgProvider(abd.NewWithDB(db)).Load(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

type flakyProvider struct {
	d   *Data
	err error
	n   int
}

func (f *flakyProvider) Load(context.Context) (*Data, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.d, nil
}

func TestStoreKeepsLastGoodCatalog(t *testing.T) {
	p := &flakyProvider{d: routingData()}
	s := NewStore(p, time.Second)
	if _, err := s.Catalog(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	first, _ := s.Catalog()

	p.err = errors.New("db down")
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	cur, err := s.Catalog()
	if err != nil || cur != first {
		t.Fatalf("previous catalog should keep serving")
	}

	// stale reads still serve
	now := time.Now().Add(2 * MaxStaleness)
	s.Now = func() time.Time { return now }
	if c, err := s.Catalog(); err != nil || c != first {
		t.Fatalf("stale catalog should still serve: %v", err)
	}
}
