// Package persist saves alerts to the snapshot cache and the durable store.
// It is shared by the composer and the manager, both of which call it while
// holding the alert lease.
package persist

import (
	"context"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/retry"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultReindex is the longest time an alert document may lag its snapshot.
const DefaultReindex = 10 * time.Minute

type Writer struct {
	Cache   *cache.Cache
	Store   store.Store
	Topic   queue.Topic
	Metrics *telemetry.Metrics
	Retry   retry.Policy
	Shards  int
	Reindex time.Duration
}

// ShouldRefreshDB reports whether the alert document must be rewritten.
// prev is the alert as loaded, nil for a new alert.
func (w *Writer) ShouldRefreshDB(prev, a *model.Alert, now int64) bool {
	switch {
	case prev == nil, a.DBDirty, a.Status.Terminal():
		return true
	case prev.Status != a.Status, prev.Severity != a.Severity:
		return true
	case prev.IsAck != a.IsAck, prev.IsShielded != a.IsShielded, prev.IsHandled != a.IsHandled:
		return true
	}
	every := w.Reindex
	if every <= 0 {
		every = DefaultReindex
	}
	return now-a.DBSyncTime >= int64(every/time.Second)
}

// Save validates and stores a. Store failures mark the alert dirty and are
// retried by a later save; cache failures are returned.
func (w *Writer) Save(ctx context.Context, prev, a *model.Alert, logs []*model.AlertLog, extra []store.Doc, now int64) error {
	if err := a.Validate(); err != nil {
		return model.DataErr("persist.validate", err)
	}
	a.Version++
	a.UpdateTime = now

	docs := append([]store.Doc(nil), extra...)
	for _, l := range logs {
		docs = append(docs, store.LogDoc(l))
	}
	refresh := w.ShouldRefreshDB(prev, a, now)
	lastSync := a.DBSyncTime
	if refresh {
		a.DBSyncTime = now
		a.DBDirty = false
		docs = append(docs, store.AlertDoc(a))
	}
	if len(docs) > 0 && w.Store != nil {
		w.bulk(ctx, a, docs, refresh, lastSync)
	}

	err := w.policy().Do(ctx, "persist.save_alert", func() error { return w.Cache.SaveAlert(ctx, a) })
	if err != nil {
		return err
	}
	shard := model.Shard(a.DedupMD5, w.Shards)
	if Settled(a) {
		return w.Cache.RemoveActive(ctx, shard, a.DedupMD5)
	}
	return w.Cache.AddActive(ctx, shard, a.DedupMD5)
}

// Settled reports whether a is terminal and its final signal was dispatched.
// Settled alerts leave the active index.
func Settled(a *model.Alert) bool {
	if !a.Status.Terminal() {
		return false
	}
	sig, ok := model.SignalForStatus(a.Status)
	return !ok || a.ExtraInfo.SignalDone(model.SignalKey(sig, 0))
}

func (w *Writer) bulk(ctx context.Context, a *model.Alert, docs []store.Doc, refresh bool, lastSync int64) {
	var res store.BulkResult
	err := w.policy().Do(ctx, "persist.bulk", func() error {
		var err error
		res, err = w.Store.Bulk(ctx, docs)
		return err
	})
	if err != nil {
		w.metrics().BulkFailureCount.Add(float64(len(docs)))
		log.Error().Err(err).Str("alert_id", a.AlertID).Int("docs", len(docs)).Msg("bulk write failed")
		if refresh {
			a.DBDirty = true
			a.DBSyncTime = lastSync
		}
		return
	}
	if res.OK() {
		return
	}
	w.metrics().BulkFailureCount.Add(float64(len(res.Failed)))
	log.Error().Strs("failed_ids", res.FailedIDs()).Str("alert_id", a.AlertID).Msg("bulk write partially failed")
	if _, failed := res.Failed[a.AlertID]; failed && refresh {
		a.DBDirty = true
		a.DBSyncTime = lastSync
	}
}

// Signal publishes msg to the dispatcher topic.
func (w *Writer) Signal(ctx context.Context, msg model.SignalMessage) error {
	return w.policy().Do(ctx, "persist.signal", func() error {
		return w.Topic.Publish(ctx, queue.TopicSignal, msg.DedupMD5, msg)
	})
}

func (w *Writer) policy() retry.Policy {
	if w.Retry.MaxRetries == 0 && w.Retry.Initial == 0 {
		return retry.Default
	}
	return w.Retry
}

func (w *Writer) metrics() *telemetry.Metrics {
	if w.Metrics == nil {
		w.Metrics = telemetry.Discard()
	}
	return w.Metrics
}
