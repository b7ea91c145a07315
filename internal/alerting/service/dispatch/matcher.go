package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/qiniu/alarmflow/internal/alerting/model"
)

// Matcher evaluates assignment conditions against alert fields.
// Compiled patterns are kept in a bounded cache shared by all rules.
type Matcher struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

func NewMatcher(size int) *Matcher {
	if size <= 0 {
		size = 1024
	}
	l, _ := lru.New[string, *regexp.Regexp](size)
	return &Matcher{patterns: l}
}

// Match evaluates conds as a disjunction of conjunctions: an "or" connector
// starts a new conjunction. An empty list matches everything.
func (m *Matcher) Match(conds []model.Condition, fields map[string]any) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	group := true
	for i, c := range conds {
		if i > 0 && strings.EqualFold(c.Connector, model.ConnectorOr) {
			if group {
				return true, nil
			}
			group = true
		}
		if !group {
			continue
		}
		ok, err := m.eval(c, fields)
		if err != nil {
			return false, err
		}
		group = ok
	}
	return group, nil
}

func (m *Matcher) eval(c model.Condition, fields map[string]any) (bool, error) {
	got := stringsOf(fields[c.Field])
	switch c.Method {
	case model.MethodEq:
		return anyEqual(got, c.Value), nil
	case model.MethodNeq:
		return !anyEqual(got, c.Value), nil
	case model.MethodLt, model.MethodLte, model.MethodGt, model.MethodGte:
		return compare(c.Method, got, c.Value), nil
	case model.MethodInclude:
		return anyContains(got, c.Value), nil
	case model.MethodExclude:
		return !anyContains(got, c.Value), nil
	case model.MethodReg, model.MethodNreg:
		ok, err := m.anyRegexp(got, c.Value)
		if err != nil {
			return false, err
		}
		if c.Method == model.MethodNreg {
			return !ok, nil
		}
		return ok, nil
	case model.MethodIsSuperset:
		set := make(map[string]bool, len(got))
		for _, g := range got {
			set[g] = true
		}
		for _, v := range c.Value {
			if !set[v] {
				return false, nil
			}
		}
		return true, nil
	}
	return false, model.ConfigErr("dispatch.match", fmt.Errorf("unsupported method %q on field %s", c.Method, c.Field))
}

func (m *Matcher) regexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.patterns.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, model.ConfigErr("dispatch.match", fmt.Errorf("bad pattern %q: %w", pattern, err))
	}
	m.patterns.Add(pattern, re)
	return re, nil
}

func (m *Matcher) anyRegexp(got, patterns []string) (bool, error) {
	for _, p := range patterns {
		re, err := m.regexp(p)
		if err != nil {
			return false, err
		}
		for _, g := range got {
			if re.MatchString(g) {
				return true, nil
			}
		}
	}
	return false, nil
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case bool:
		return []string{strconv.FormatBool(t)}
	case int:
		return []string{strconv.Itoa(t)}
	case int64:
		return []string{strconv.FormatInt(t, 10)}
	case float64:
		return []string{strconv.FormatFloat(t, 'f', -1, 64)}
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, stringsOf(x)...)
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

func anyEqual(got, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

func anyContains(got, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if strings.Contains(g, w) {
				return true
			}
		}
	}
	return false
}

// compare is inclusive for lte/gte and exclusive for lt/gt. Non-numeric operands never match.
func compare(method string, got, want []string) bool {
	if len(got) == 0 || len(want) == 0 {
		return false
	}
	x, err := strconv.ParseFloat(got[0], 64)
	if err != nil {
		return false
	}
	y, err := strconv.ParseFloat(want[0], 64)
	if err != nil {
		return false
	}
	switch method {
	case model.MethodLt:
		return x < y
	case model.MethodLte:
		return x <= y
	case model.MethodGt:
		return x > y
	default:
		return x >= y
	}
}
