// Package detect runs the detection algorithms of a rule over its queued data
// points and emits anomaly points for the trigger stage.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/prom"
)

// Algorithm kinds.
const (
	KindThreshold   = "threshold"
	KindRingRatio   = "ring_ratio"
	KindYearRound   = "year_round"
	KindForecasting = "forecasting"
	KindIntelligent = "intelligent"
)

// History gives an algorithm access to the past of the series being evaluated.
type History interface {
	// Recent returns up to n previously evaluated points, oldest first.
	Recent(ctx context.Context, n int) ([]cache.CheckPoint, error)
	// ValueAt returns the series value at ts from long-term storage.
	ValueAt(ctx context.Context, ts int64) (float64, bool, error)
}

// Verdict is the outcome of one algorithm on one point.
type Verdict struct {
	Anomalous bool
	Message   string
	Context   map[string]any
}

// Algorithm is a configured detector.
type Algorithm interface {
	Kind() string
	// Optional algorithms are skipped while the rule is busy.
	Optional() bool
	Detect(ctx context.Context, p *model.DataPoint, h History) (Verdict, error)
}

// Factory builds an algorithm from its raw configuration.
type Factory func(cfg map[string]any) (Algorithm, error)

// Registry maps algorithm kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry { return &Registry{factories: map[string]Factory{}} }

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build returns the algorithm for a, or a config error.
func (r *Registry) Build(a model.AlgorithmConfig) (Algorithm, error) {
	r.mu.RLock()
	f, ok := r.factories[a.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ConfigErr("detect.build", fmt.Errorf("unknown algorithm %q", a.Kind))
	}
	alg, err := f(a.Config)
	if err != nil {
		return nil, model.ConfigErr("detect.build", fmt.Errorf("algorithm %d (%s): %w", a.ID, a.Kind, err))
	}
	return alg, nil
}

// AnomalyDetector is the external detection API.
type AnomalyDetector interface {
	Detect(ctx context.Context, meta prom.AnomalyMeta, points []prom.Point) ([]prom.Anomaly, error)
}

// DefaultRegistry registers every built-in algorithm. Intelligent detection is
// only available when api is non-nil.
func DefaultRegistry(api AnomalyDetector) *Registry {
	r := NewRegistry()
	r.Register(KindThreshold, newThreshold)
	r.Register(KindRingRatio, newRingRatio)
	r.Register(KindYearRound, newYearRound)
	r.Register(KindForecasting, newForecasting)
	if api != nil {
		r.Register(KindIntelligent, func(cfg map[string]any) (Algorithm, error) { return newIntelligent(cfg, api) })
	}
	return r
}

func decodeConfig(cfg map[string]any, dst any) error {
	if len(cfg) == 0 {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// Compare applies a threshold method. gte/lte are inclusive, gt/lt exclusive.
func Compare(method string, v, threshold float64) (bool, error) {
	switch method {
	case "gt":
		return v > threshold, nil
	case "gte":
		return v >= threshold, nil
	case "lt":
		return v < threshold, nil
	case "lte":
		return v <= threshold, nil
	case "eq":
		return v == threshold, nil
	case "neq":
		return v != threshold, nil
	}
	return false, fmt.Errorf("unknown threshold method %q", method)
}

type condition struct {
	Method    string  `json:"method"`
	Threshold float64 `json:"threshold"`
}

// threshold fires when any group of conditions holds entirely.
type threshold struct {
	groups [][]condition
}

func newThreshold(cfg map[string]any) (Algorithm, error) {
	var c struct {
		condition
		Conditions [][]condition `json:"conditions"`
	}
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	groups := c.Conditions
	if len(groups) == 0 {
		if c.Method == "" {
			return nil, fmt.Errorf("threshold without conditions")
		}
		groups = [][]condition{{c.condition}}
	}
	for _, g := range groups {
		for _, cond := range g {
			if _, err := Compare(cond.Method, 0, 0); err != nil {
				return nil, err
			}
		}
	}
	return &threshold{groups: groups}, nil
}

func (t *threshold) Kind() string   { return KindThreshold }
func (t *threshold) Optional() bool { return false }

func (t *threshold) Detect(_ context.Context, p *model.DataPoint, _ History) (Verdict, error) {
	for _, g := range t.groups {
		all := len(g) > 0
		parts := make([]string, 0, len(g))
		for _, cond := range g {
			ok, _ := Compare(cond.Method, p.Value, cond.Threshold)
			if !ok {
				all = false
				break
			}
			parts = append(parts, fmt.Sprintf("%s %v", cond.Method, cond.Threshold))
		}
		if all {
			return Verdict{
				Anomalous: true,
				Message:   fmt.Sprintf("value %v %s", p.Value, strings.Join(parts, " and ")),
			}, nil
		}
	}
	return Verdict{}, nil
}

// ringRatio compares with the previous point of the series, in percent.
type ringRatio struct {
	Ceil  float64 `json:"ceil"`
	Floor float64 `json:"floor"`
}

func newRingRatio(cfg map[string]any) (Algorithm, error) {
	r := &ringRatio{}
	if err := decodeConfig(cfg, r); err != nil {
		return nil, err
	}
	if r.Ceil <= 0 && r.Floor <= 0 {
		return nil, fmt.Errorf("ring_ratio needs ceil or floor")
	}
	return r, nil
}

func (r *ringRatio) Kind() string   { return KindRingRatio }
func (r *ringRatio) Optional() bool { return false }

func (r *ringRatio) Detect(ctx context.Context, p *model.DataPoint, h History) (Verdict, error) {
	prev, err := h.Recent(ctx, 1)
	if err != nil {
		return Verdict{}, err
	}
	if len(prev) == 0 || prev[0].Value == 0 {
		return Verdict{}, nil
	}
	return ratioVerdict(p.Value, prev[0].Value, r.Ceil, r.Floor, "previous point"), nil
}

func ratioVerdict(v, base, ceil, floor float64, what string) Verdict {
	pct := (v - base) / math.Abs(base) * 100
	ctx := map[string]any{"base": base, "ratio": pct}
	if ceil > 0 && pct >= ceil {
		return Verdict{Anomalous: true, Message: fmt.Sprintf("up %.2f%% against %s", pct, what), Context: ctx}
	}
	if floor > 0 && -pct >= floor {
		return Verdict{Anomalous: true, Message: fmt.Sprintf("down %.2f%% against %s", -pct, what), Context: ctx}
	}
	return Verdict{Context: ctx}
}

// yearRound compares with the same time a number of days back.
type yearRound struct {
	Days  int     `json:"days"`
	Ceil  float64 `json:"ceil"`
	Floor float64 `json:"floor"`
}

func newYearRound(cfg map[string]any) (Algorithm, error) {
	y := &yearRound{Days: 1}
	if err := decodeConfig(cfg, y); err != nil {
		return nil, err
	}
	if y.Days <= 0 {
		return nil, fmt.Errorf("year_round days must be positive")
	}
	if y.Ceil <= 0 && y.Floor <= 0 {
		return nil, fmt.Errorf("year_round needs ceil or floor")
	}
	return y, nil
}

func (y *yearRound) Kind() string   { return KindYearRound }
func (y *yearRound) Optional() bool { return false }

func (y *yearRound) Detect(ctx context.Context, p *model.DataPoint, h History) (Verdict, error) {
	base, ok, err := h.ValueAt(ctx, p.Timestamp-int64(y.Days)*86400)
	if err != nil {
		return Verdict{}, err
	}
	if !ok || base == 0 {
		return Verdict{}, nil
	}
	return ratioVerdict(p.Value, base, y.Ceil, y.Floor, fmt.Sprintf("%d days ago", y.Days)), nil
}

// forecasting flags points outside an EWMA band over recent history.
type forecasting struct {
	Alpha     float64 `json:"alpha"`
	Sigma     float64 `json:"sigma"`
	MinPoints int     `json:"min_points"`
	Window    int     `json:"window"`
}

func newForecasting(cfg map[string]any) (Algorithm, error) {
	fc := &forecasting{Alpha: 0.3, Sigma: 3, MinPoints: 5, Window: 30}
	if err := decodeConfig(cfg, fc); err != nil {
		return nil, err
	}
	if fc.Alpha <= 0 || fc.Alpha > 1 {
		return nil, fmt.Errorf("forecasting alpha must be in (0,1]")
	}
	if fc.Window < fc.MinPoints {
		fc.Window = fc.MinPoints
	}
	return fc, nil
}

func (fc *forecasting) Kind() string   { return KindForecasting }
func (fc *forecasting) Optional() bool { return false }

func (fc *forecasting) Detect(ctx context.Context, p *model.DataPoint, h History) (Verdict, error) {
	hist, err := h.Recent(ctx, fc.Window)
	if err != nil {
		return Verdict{}, err
	}
	if len(hist) < fc.MinPoints {
		return Verdict{}, nil
	}
	mean := hist[0].Value
	variance := 0.0
	for _, pt := range hist[1:] {
		diff := pt.Value - mean
		incr := fc.Alpha * diff
		mean += incr
		variance = (1 - fc.Alpha) * (variance + diff*incr)
	}
	std := math.Sqrt(variance)
	band := fc.Sigma * std
	ctx2 := map[string]any{"forecast": mean, "band": band}
	if math.Abs(p.Value-mean) > band && std > 0 {
		return Verdict{
			Anomalous: true,
			Message:   fmt.Sprintf("value %v outside forecast %.2f±%.2f", p.Value, mean, band),
			Context:   ctx2,
		}, nil
	}
	return Verdict{Context: ctx2}, nil
}

// intelligent defers to the external anomaly detection API.
type intelligent struct {
	api    AnomalyDetector
	window int
	name   string
}

func newIntelligent(cfg map[string]any, api AnomalyDetector) (Algorithm, error) {
	var c struct {
		Window int    `json:"window"`
		Name   string `json:"name"`
	}
	c.Window = 30
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	return &intelligent{api: api, window: c.Window, name: c.Name}, nil
}

func (a *intelligent) Kind() string   { return KindIntelligent }
func (a *intelligent) Optional() bool { return true }

func (a *intelligent) Detect(ctx context.Context, p *model.DataPoint, h History) (Verdict, error) {
	hist, err := h.Recent(ctx, a.window)
	if err != nil {
		return Verdict{}, err
	}
	points := make([]prom.Point, 0, len(hist)+1)
	for _, pt := range hist {
		points = append(points, prom.Point{Timestamp: pt.Timestamp, Value: pt.Value})
	}
	points = append(points, prom.Point{Timestamp: p.Timestamp, Value: p.Value})
	spans, err := a.api.Detect(ctx, prom.AnomalyMeta{AlertName: a.name, Labels: p.Dims}, points)
	if err != nil {
		return Verdict{}, model.Transient("detect.intelligent", err)
	}
	for _, s := range spans {
		if p.Timestamp >= s.Start && (s.End == 0 || p.Timestamp <= s.End) {
			return Verdict{Anomalous: true, Message: "intelligent detection flagged the point"}, nil
		}
	}
	return Verdict{}, nil
}
