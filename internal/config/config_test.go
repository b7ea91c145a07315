package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("ROLE", "detect")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SHARD_COUNT", "4")
	t.Setenv("SHARD_INDEXES", "1,3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "detect", cfg.Role)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []int{1, 3}, cfg.OwnedShards())
	assert.Equal(t, "newest", cfg.Alerting.Composer.TopEventPolicy)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "alarmflow.yaml")
	content := `
role: manager
cluster: prod
alerting:
  shards:
    count: 2
  composer:
    topEventPolicy: severity
  manager:
    interval: 30s
`
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "manager", cfg.Role)
	assert.Equal(t, "prod", cfg.Cluster)
	assert.Equal(t, []int{0, 1}, cfg.OwnedShards())
	assert.Equal(t, "severity", cfg.Alerting.Composer.TopEventPolicy)
	assert.Equal(t, 30*time.Second, ParseDuration(cfg.Alerting.Manager.Interval, time.Minute))
	// untouched fields keep their env defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadBadFileIsInvalid(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o600))
	_, err := Load(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Role = "nope"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Role = "beater"
	cfg.Alerting.Shards.Indexes = []int{5}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Alerting.Shards.Indexes = nil
	cfg.Alerting.Manager.Interval = "soon"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "", DatabaseConfig{}.DSN())
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
}
