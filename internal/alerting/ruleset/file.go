package ruleset

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileProvider reads Data from a YAML (or JSON) file on every Load.
type FileProvider struct {
	Path string
}

func (f FileProvider) Load(context.Context) (*Data, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset %s: %w", f.Path, err)
	}
	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", f.Path, err)
	}
	return &d, nil
}

func (f FileProvider) Hosts(ctx context.Context) ([]Host, error) {
	d, err := f.Load(ctx)
	if err != nil {
		return nil, err
	}
	return d.Hosts, nil
}
