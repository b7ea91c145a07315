package ruleset

import (
	"context"
	"encoding/json"
	"fmt"

	abd "github.com/qiniu/alarmflow/internal/alerting/database"
)

// PgProvider reads configuration rows stored as JSON documents, one table per kind.
type PgProvider struct {
	DB *abd.Database
}

func NewPgProvider(db *abd.Database) *PgProvider { return &PgProvider{DB: db} }

const (
	qStrategies   = `SELECT config FROM alert_strategies WHERE deleted_at IS NULL`
	qAssignGroups = `SELECT config FROM assign_groups WHERE deleted_at IS NULL`
	qUserGroups   = `SELECT config FROM user_groups WHERE deleted_at IS NULL`
	qDuties       = `SELECT config FROM duty_rosters WHERE deleted_at IS NULL`
	qTemplates    = `SELECT config FROM action_templates WHERE deleted_at IS NULL`
	qShields      = `SELECT config FROM shields WHERE deleted_at IS NULL`
	qHosts        = `SELECT ip, bk_cloud_id, bk_host_id, bk_biz_id, attrs FROM cmdb_hosts`
)

func (p *PgProvider) Load(ctx context.Context) (*Data, error) {
	var d Data
	if err := loadJSON(ctx, p.DB, qStrategies, &d.Strategies); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, p.DB, qAssignGroups, &d.AssignGroups); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, p.DB, qUserGroups, &d.UserGroups); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, p.DB, qDuties, &d.Duties); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, p.DB, qTemplates, &d.Templates); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, p.DB, qShields, &d.Shields); err != nil {
		return nil, err
	}
	hosts, err := p.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	d.Hosts = hosts
	return &d, nil
}

func (p *PgProvider) Hosts(ctx context.Context) ([]Host, error) {
	rows, err := p.DB.QueryContext(ctx, qHosts)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()
	var out []Host
	for rows.Next() {
		var h Host
		var attrs []byte
		if err := rows.Scan(&h.IP, &h.CloudID, &h.HostID, &h.BizID, &attrs); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &h.Attrs); err != nil {
				return nil, fmt.Errorf("decode host %s attrs: %w", h.IP, err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// loadJSON decodes each row's single JSON column into one element of *dst.
func loadJSON[T any](ctx context.Context, db *abd.Database, q string, dst *[]T) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query %q: %w", q, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode row of %q: %w", q, err)
		}
		*dst = append(*dst, v)
	}
	return rows.Err()
}
