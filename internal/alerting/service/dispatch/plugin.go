package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

// Request is what a plugin receives for one action instance.
type Request struct {
	Action   *model.ActionInstance
	Alert    *model.Alert
	Template *model.ActionTemplate
}

// Plugin performs one kind of side effect. Returned outputs are stored on the action.
type Plugin interface {
	Execute(ctx context.Context, req *Request) (map[string]any, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, req *Request) (map[string]any, error)

func (f PluginFunc) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps plugin types to implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

func (r *Registry) Register(kind string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[kind] = p
}

func (r *Registry) Get(kind string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[kind]
	return p, ok
}

// HTTPRegistry registers an HTTP plugin for every configured endpoint. The
// webhook plugin is always present and posts to the template's url.
func HTTPRegistry(endpoints map[string]string, timeout time.Duration) *Registry {
	client := &http.Client{Timeout: timeout}
	r := NewRegistry()
	for kind, url := range endpoints {
		if url != "" {
			r.Register(kind, &HTTPPlugin{URL: url, Client: client})
		}
	}
	if _, ok := r.Get(model.PluginWebhook); !ok {
		r.Register(model.PluginWebhook, &HTTPPlugin{Client: client})
	}
	return r
}

// HTTPPlugin posts the rendered action as JSON. A url in the template's
// execute config overrides URL.
type HTTPPlugin struct {
	URL    string
	Client *http.Client
}

type payload struct {
	ActionID   string            `json:"action_id"`
	PluginType string            `json:"plugin_type"`
	Signal     model.Signal      `json:"signal"`
	Receivers  []string          `json:"receivers"`
	AlertID    string            `json:"alert_id"`
	Severity   model.Level       `json:"severity"`
	Status     model.Status      `json:"status"`
	Strategy   int64             `json:"strategy_id"`
	Dimensions map[string]string `json:"dimensions"`
	BeginTime  int64             `json:"begin_time"`
	Execute    map[string]any    `json:"execute_config,omitempty"`
	Converge   string            `json:"converge_id,omitempty"`
}

func (p *HTTPPlugin) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	url := p.URL
	if u, ok := req.Template.Execute["url"].(string); ok && u != "" {
		url = u
	}
	if url == "" {
		return nil, model.ConfigErr("plugin."+req.Template.PluginType, errors.New("no endpoint configured"))
	}
	a := req.Alert
	body, err := json.Marshal(payload{
		ActionID:   req.Action.ActionID,
		PluginType: req.Template.PluginType,
		Signal:     req.Action.Signal,
		Receivers:  req.Action.Receivers,
		AlertID:    a.AlertID,
		Severity:   a.Severity,
		Status:     a.Status,
		Strategy:   a.StrategyID,
		Dimensions: a.Dims,
		BeginTime:  a.BeginTime,
		Execute:    req.Template.Execute,
		Converge:   req.Action.ConvergeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, model.ConfigErr("plugin."+req.Template.PluginType, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Action.ActionID)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s plugin returned status %d: %s", req.Template.PluginType, resp.StatusCode, string(raw))
	}
	out := map[string]any{"status_code": resp.StatusCode}
	var decoded map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		for k, v := range decoded {
			out[k] = v
		}
	}
	return out, nil
}

// failureType classifies a plugin error for the action record.
func failureType(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return model.FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return model.FailureTimeout
	case model.KindOf(err) == model.KindConfig:
		return model.FailureConfig
	}
	return model.FailureExecute
}
