package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

const DefaultBulkTimeout = 30 * time.Second

// pool is the part of pgxpool.Pool the store uses.
type pool interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Pg stores documents in PostgreSQL as jsonb next to their indexed columns.
type Pg struct {
	db          pool
	bulkTimeout time.Duration
}

func NewPg(ctx context.Context, dsn string, bulkTimeout time.Duration) (*Pg, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// 测试连接
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}
	return newPg(p, bulkTimeout), nil
}

func newPg(db pool, bulkTimeout time.Duration) *Pg {
	if bulkTimeout <= 0 {
		bulkTimeout = DefaultBulkTimeout
	}
	return &Pg{db: db, bulkTimeout: bulkTimeout}
}

const (
	upsertAlertSQL = `
	INSERT INTO alerts(alert_id, dedup_md5, status, severity, bk_biz_id, strategy_id, begin_time, latest_time, end_time, doc, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
	ON CONFLICT (alert_id) DO UPDATE SET
		status = EXCLUDED.status,
		severity = EXCLUDED.severity,
		latest_time = EXCLUDED.latest_time,
		end_time = EXCLUDED.end_time,
		doc = EXCLUDED.doc,
		updated_at = EXCLUDED.updated_at`
	insertLogSQL = `
	INSERT INTO alert_logs(alert_id, op, doc, created_at)
	VALUES ($1, $2, $3::jsonb, $4)`
	insertEventSQL = `
	INSERT INTO alert_events(event_id, dedup_md5, strategy_id, doc, created_at)
	VALUES ($1, $2, $3, $4::jsonb, $5)
	ON CONFLICT (event_id) DO NOTHING`
	upsertActionSQL = `
	INSERT INTO action_instances(action_id, signal, status, alert_ids, doc, created_at)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	ON CONFLICT (action_id) DO UPDATE SET
		status = EXCLUDED.status,
		doc = EXCLUDED.doc`
)

func epoch(sec int64) pgtype.Timestamptz {
	if sec <= 0 {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: time.Unix(sec, 0).UTC(), Valid: true}
}

func queueDoc(b *pgx.Batch, d Doc) error {
	doc, err := json.Marshal(d.Body)
	if err != nil {
		return err
	}
	switch v := d.Body.(type) {
	case *model.Alert:
		b.Queue(upsertAlertSQL, v.AlertID, v.DedupMD5, string(v.Status), int(v.Severity), v.BizID, v.StrategyID,
			epoch(v.BeginTime), epoch(v.LatestTime), epoch(v.EndTime), string(doc), epoch(v.UpdateTime))
	case *model.AlertLog:
		b.Queue(insertLogSQL, v.AlertID, v.Op, string(doc), epoch(v.CreateTime))
	case *model.Event:
		b.Queue(insertEventSQL, v.EventID, v.DedupMD5, v.RuleID, string(doc), epoch(v.CreateTime))
	case *model.ActionInstance:
		b.Queue(upsertActionSQL, v.ActionID, string(v.Signal), string(v.Status), v.AlertIDs, string(doc), epoch(v.CreateTime))
	default:
		return fmt.Errorf("unknown document body %T", d.Body)
	}
	return nil
}

// Bulk sends all docs in one batch. Statement errors are reported per document.
func (s *Pg) Bulk(ctx context.Context, docs []Doc) (BulkResult, error) {
	res := BulkResult{Failed: map[string]error{}}
	if len(docs) == 0 {
		return res, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.bulkTimeout)
	defer cancel()

	b := &pgx.Batch{}
	queued := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if err := queueDoc(b, d); err != nil {
			res.Failed[d.ID] = err
			continue
		}
		queued = append(queued, d)
	}
	if len(queued) == 0 {
		return res, nil
	}
	br := s.db.SendBatch(ctx, b)
	for _, d := range queued {
		if _, err := br.Exec(); err != nil {
			res.Failed[d.ID] = err
		}
	}
	if err := br.Close(); err != nil && len(res.Failed) == 0 {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return res, model.DataErr("store.bulk", err)
		}
		return res, model.Transient("store.bulk", err)
	}
	if !res.OK() {
		log.Warn().Strs("failed_ids", res.FailedIDs()).Int("total", len(docs)).Msg("bulk write partially failed")
	}
	return res, nil
}

func (s *Pg) scanAlert(row pgx.Row) (*model.Alert, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, model.Transient("store.scan_alert", err)
	}
	var a model.Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, model.DataErr("store.scan_alert", err)
	}
	return &a, nil
}

func (s *Pg) ActiveAlert(ctx context.Context, dedup string) (*model.Alert, error) {
	const q = `
	SELECT doc FROM alerts
	WHERE dedup_md5 = $1 AND status IN ('ABNORMAL', 'RECOVERING')
	ORDER BY alert_id DESC LIMIT 1`
	return s.scanAlert(s.db.QueryRow(ctx, q, dedup))
}

func (s *Pg) Alert(ctx context.Context, alertID string) (*model.Alert, error) {
	const q = `SELECT doc FROM alerts WHERE alert_id = $1`
	return s.scanAlert(s.db.QueryRow(ctx, q, alertID))
}

func (s *Pg) Actions(ctx context.Context, alertID string) ([]*model.ActionInstance, error) {
	const q = `SELECT doc FROM action_instances WHERE $1 = ANY(alert_ids) ORDER BY action_id`
	rows, err := s.db.Query(ctx, q, alertID)
	if err != nil {
		return nil, model.Transient("store.actions", err)
	}
	defer rows.Close()
	var out []*model.ActionInstance
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, model.Transient("store.actions", err)
		}
		var ai model.ActionInstance
		if err := json.Unmarshal(raw, &ai); err != nil {
			continue
		}
		out = append(out, &ai)
	}
	return out, rows.Err()
}

// 关闭连接池
func (s *Pg) Close() { s.db.Close() }
