// Package store is the durable alert store: alert documents are upserted,
// logs, events and action instances appended, all through a bulk API that
// reports failures per document.
package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

var ErrNotFound = errors.New("document not found")

type DocKind string

const (
	KindAlert    DocKind = "alert"
	KindAlertLog DocKind = "alert_log"
	KindEvent    DocKind = "event"
	KindAction   DocKind = "action"
)

// Doc is one bulk item.
type Doc struct {
	Kind DocKind
	ID   string
	Body any
}

func AlertDoc(a *model.Alert) Doc { return Doc{Kind: KindAlert, ID: a.AlertID, Body: a} }

func LogDoc(l *model.AlertLog) Doc {
	return Doc{Kind: KindAlertLog, ID: l.AlertID + ":" + l.Op + ":" + strconv.FormatInt(l.CreateTime, 10), Body: l}
}

func EventDoc(e *model.Event) Doc { return Doc{Kind: KindEvent, ID: e.EventID, Body: e} }

func ActionDoc(ai *model.ActionInstance) Doc {
	return Doc{Kind: KindAction, ID: ai.ActionID, Body: ai}
}

// BulkResult lists the documents that were not written, by id.
type BulkResult struct {
	Failed map[string]error
}

func (r BulkResult) OK() bool { return len(r.Failed) == 0 }

// FailedIDs returns the failed ids in order.
func (r BulkResult) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store is the durable alert store.
type Store interface {
	// Bulk writes docs. A non-nil error means the whole request failed.
	Bulk(ctx context.Context, docs []Doc) (BulkResult, error)
	// ActiveAlert returns the newest non-terminal alert with dedup, or ErrNotFound.
	ActiveAlert(ctx context.Context, dedup string) (*model.Alert, error)
	Alert(ctx context.Context, alertID string) (*model.Alert, error)
	Actions(ctx context.Context, alertID string) ([]*model.ActionInstance, error)
	Close()
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	alerts  map[string]*model.Alert
	logs    []*model.AlertLog
	events  map[string]*model.Event
	actions map[string]*model.ActionInstance
	// FailIDs makes Bulk reject these document ids.
	FailIDs map[string]bool
	// Err makes Bulk fail as a whole.
	Err error
}

func NewMemory() *Memory {
	return &Memory{
		alerts:  map[string]*model.Alert{},
		events:  map[string]*model.Event{},
		actions: map[string]*model.ActionInstance{},
		FailIDs: map[string]bool{},
	}
}

func (m *Memory) Bulk(_ context.Context, docs []Doc) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return BulkResult{}, m.Err
	}
	res := BulkResult{Failed: map[string]error{}}
	for _, d := range docs {
		if m.FailIDs[d.ID] {
			res.Failed[d.ID] = errors.New("rejected")
			continue
		}
		switch b := d.Body.(type) {
		case *model.Alert:
			m.alerts[b.AlertID] = b.Clone()
		case *model.AlertLog:
			cp := *b
			m.logs = append(m.logs, &cp)
		case *model.Event:
			cp := *b
			m.events[b.EventID] = &cp
		case *model.ActionInstance:
			cp := *b
			m.actions[b.ActionID] = &cp
		default:
			res.Failed[d.ID] = errors.New("unknown document body")
		}
	}
	return res, nil
}

func (m *Memory) ActiveAlert(_ context.Context, dedup string) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Alert
	for _, a := range m.alerts {
		if a.DedupMD5 != dedup || a.Status.Terminal() {
			continue
		}
		if best == nil || a.AlertID > best.AlertID {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *Memory) Alert(_ context.Context, alertID string) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) Actions(_ context.Context, alertID string) ([]*model.ActionInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ActionInstance
	for _, ai := range m.actions {
		for _, id := range ai.AlertIDs {
			if id == alertID {
				cp := *ai
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out, nil
}

// Logs returns the stored logs of an alert.
func (m *Memory) Logs(alertID string) []*model.AlertLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AlertLog
	for _, l := range m.logs {
		if l.AlertID == alertID {
			out = append(out, l)
		}
	}
	return out
}

// Events returns all stored events.
func (m *Memory) Events() []*model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// AllActions returns every stored action instance ordered by id.
func (m *Memory) AllActions() []*model.ActionInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ActionInstance, 0, len(m.actions))
	for _, ai := range m.actions {
		cp := *ai
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

func (m *Memory) Close() {}
