// Package ruleset is the read side of the configuration store: strategies,
// assignment groups, user groups, duty rosters, action templates, shields and
// the host catalogue, loaded from a provider into an indexed Catalog.
package ruleset

import (
	"context"

	"github.com/qiniu/alarmflow/internal/alerting/model"
)

// Host is a CMDB host record used for enrichment.
type Host struct {
	IP      string            `json:"ip" yaml:"ip"`
	CloudID int64             `json:"bk_cloud_id" yaml:"bk_cloud_id"`
	HostID  int64             `json:"bk_host_id" yaml:"bk_host_id"`
	BizID   int64             `json:"bk_biz_id" yaml:"bk_biz_id"`
	Attrs   map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Data is the raw configuration as read from a provider.
type Data struct {
	Strategies   []model.Strategy       `json:"strategies" yaml:"strategies"`
	AssignGroups []model.AssignGroup    `json:"assign_groups" yaml:"assign_groups"`
	UserGroups   []model.UserGroup      `json:"user_groups" yaml:"user_groups"`
	Duties       []model.Duty           `json:"duties" yaml:"duties"`
	Templates    []model.ActionTemplate `json:"action_templates" yaml:"action_templates"`
	Shields      []model.Shield         `json:"shields" yaml:"shields"`
	Hosts        []Host                 `json:"hosts" yaml:"hosts"`
}

// Provider reads the full configuration.
type Provider interface {
	Load(ctx context.Context) (*Data, error)
}

// HostSource reads the host catalogue.
type HostSource interface {
	Hosts(ctx context.Context) ([]Host, error)
}

// Static serves fixed data. Used by tests and single-file deployments.
type Static struct{ D *Data }

func (s Static) Load(context.Context) (*Data, error) { return s.D, nil }

func (s Static) Hosts(context.Context) ([]Host, error) { return s.D.Hosts, nil }
