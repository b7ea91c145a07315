package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration that cannot be run.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Role        string          `json:"role" yaml:"role"`
	Cluster     string          `json:"cluster" yaml:"cluster"`
	ServiceName string          `json:"serviceName" yaml:"serviceName"`
	Server      ServerConfig    `json:"server" yaml:"server"`
	Database    DatabaseConfig  `json:"database" yaml:"database"`
	Logging     LoggingConfig   `json:"logging" yaml:"logging"`
	Redis       RedisConfig     `json:"redis" yaml:"redis"`
	Kafka       KafkaConfig     `json:"kafka" yaml:"kafka"`
	Store       StoreConfig     `json:"store" yaml:"store"`
	Telemetry   TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Alerting    AlertingConfig  `json:"alerting" yaml:"alerting"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
	// Credentials guarding the push ingestion endpoint. Empty means open.
	BasicUser string `json:"basicUser" yaml:"basicUser"`
	BasicPass string `json:"basicPass" yaml:"basicPass"`
	Bearer    string `json:"bearer" yaml:"bearer"`
}

type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// DSN renders the lib/pq connection string. An empty Host disables the database.
func (d DatabaseConfig) DSN() string {
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type KafkaConfig struct {
	Brokers       []string `json:"brokers" yaml:"brokers"`
	TopicPrefix   string   `json:"topicPrefix" yaml:"topicPrefix"`
	ConsumerGroup string   `json:"consumerGroup" yaml:"consumerGroup"`
}

// StoreConfig addresses the durable alert store (pgx pool DSN).
type StoreConfig struct {
	DSN         string `json:"dsn" yaml:"dsn"`
	BulkTimeout string `json:"bulkTimeout" yaml:"bulkTimeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	OTLPInsecure bool   `json:"otlpInsecure" yaml:"otlpInsecure"`
}

type AlertingConfig struct {
	Shards     ShardConfig      `json:"shards" yaml:"shards"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Prometheus PrometheusConfig `json:"prometheus" yaml:"prometheus"`
	Ruleset    RulesetConfig    `json:"ruleset" yaml:"ruleset"`
	Access     AccessConfig     `json:"access" yaml:"access"`
	Composer   ComposerConfig   `json:"composer" yaml:"composer"`
	Manager    ManagerConfig    `json:"manager" yaml:"manager"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Lease      LeaseConfig      `json:"lease" yaml:"lease"`
}

type ShardConfig struct {
	Count   int   `json:"count" yaml:"count"`
	Indexes []int `json:"indexes" yaml:"indexes"`
}

type PipelineConfig struct {
	MaxBatch      int    `json:"maxBatch" yaml:"maxBatch"`
	HighWater     int    `json:"highWater" yaml:"highWater"`
	MaxProcess    int    `json:"maxProcess" yaml:"maxProcess"`
	QueueCapacity int    `json:"queueCapacity" yaml:"queueCapacity"`
	Workers       int    `json:"workers" yaml:"workers"`
	BeatInterval  string `json:"beatInterval" yaml:"beatInterval"`
	CacheTimeout  string `json:"cacheTimeout" yaml:"cacheTimeout"`
	DrainDeadline string `json:"drainDeadline" yaml:"drainDeadline"`
	CheckMinPoint int    `json:"checkMinPoint" yaml:"checkMinPoint"`
}

type PrometheusConfig struct {
	URL               string `json:"url" yaml:"url"`
	QueryTimeout      string `json:"queryTimeout" yaml:"queryTimeout"`
	AnomalyAPIURL     string `json:"anomalyAPIUrl" yaml:"anomalyAPIUrl"`
	AnomalyAPITimeout string `json:"anomalyAPITimeout" yaml:"anomalyAPITimeout"`
	QueryStep         string `json:"queryStep" yaml:"queryStep"`
}

type RulesetConfig struct {
	ConfigFile      string `json:"configFile" yaml:"configFile"`
	RefreshInterval string `json:"refreshInterval" yaml:"refreshInterval"`
}

type AccessConfig struct {
	EnrichTTL     string `json:"enrichTTL" yaml:"enrichTTL"`
	EnrichRefresh string `json:"enrichRefresh" yaml:"enrichRefresh"`
	DedupTTL      string `json:"dedupTTL" yaml:"dedupTTL"`
}

type ComposerConfig struct {
	ActiveTTL      string `json:"activeTTL" yaml:"activeTTL"`
	TopEventPolicy string `json:"topEventPolicy" yaml:"topEventPolicy"`
	LRUSize        int    `json:"lruSize" yaml:"lruSize"`
	ReindexEvery   string `json:"reindexEvery" yaml:"reindexEvery"`
	QoSThreshold   int    `json:"qosThreshold" yaml:"qosThreshold"`
	QoSWindow      string `json:"qosWindow" yaml:"qosWindow"`
}

type ManagerConfig struct {
	Interval string `json:"interval" yaml:"interval"`
}

type DispatchConfig struct {
	PluginTimeout  string `json:"pluginTimeout" yaml:"pluginTimeout"`
	IdempotencyTTL string `json:"idempotencyTTL" yaml:"idempotencyTTL"`
	NoticeURL      string `json:"noticeURL" yaml:"noticeURL"`
	JobURL         string `json:"jobURL" yaml:"jobURL"`
	ChatbotURL     string `json:"chatbotURL" yaml:"chatbotURL"`
	WorkflowURL    string `json:"workflowURL" yaml:"workflowURL"`
}

type LeaseConfig struct {
	TTL string `json:"ttl" yaml:"ttl"`
}

// Roles that `run` accepts.
var Roles = []string{"access", "detect", "trigger", "composer", "manager", "dispatcher", "beater", "all-in-one"}

// Load builds the configuration from the environment, then overlays the optional
// file (JSON, or YAML by extension), then fills defaults for omitted fields.
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Role:        getEnv("ROLE", "all-in-one"),
		Cluster:     getEnv("CLUSTER_NAME", "default"),
		ServiceName: getEnv("SERVICE_NAME", "alarmflow"),
		Server: ServerConfig{
			BindAddr:  getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			BasicUser: getEnv("INGEST_BASIC_USER", ""),
			BasicPass: getEnv("INGEST_BASIC_PASS", ""),
			Bearer:    getEnv("INGEST_BEARER", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "alarmflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "")),
			TopicPrefix:   getEnv("KAFKA_TOPIC_PREFIX", "alarmflow."),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "alarmflow"),
		},
		Store: StoreConfig{
			DSN:         getEnv("STORE_DSN", ""),
			BulkTimeout: getEnv("STORE_BULK_TIMEOUT", "30s"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
			OTLPInsecure: getEnv("OTLP_INSECURE", "true") == "true",
		},
		Alerting: AlertingConfig{
			Shards: ShardConfig{
				Count:   getEnvInt("SHARD_COUNT", 1),
				Indexes: splitInts(getEnv("SHARD_INDEXES", "")),
			},
			Pipeline: PipelineConfig{
				MaxBatch:      getEnvInt("MAX_BATCH", 1000),
				HighWater:     getEnvInt("HIGH_WATER", 5000),
				MaxProcess:    getEnvInt("MAX_PROCESS", 5000),
				QueueCapacity: getEnvInt("QUEUE_CAPACITY", 100000),
				Workers:       getEnvInt("WORKERS", 4),
				BeatInterval:  getEnv("BEAT_INTERVAL", "10s"),
				CacheTimeout:  getEnv("CACHE_TIMEOUT", "1s"),
				DrainDeadline: getEnv("DRAIN_DEADLINE", "10s"),
				CheckMinPoint: getEnvInt("CHECK_MIN_POINT", 30),
			},
			Prometheus: PrometheusConfig{
				URL:               getEnv("PROMETHEUS_URL", ""),
				QueryTimeout:      getEnv("PROMETHEUS_QUERY_TIMEOUT", "30s"),
				AnomalyAPIURL:     getEnv("ANOMALY_API_URL", ""),
				AnomalyAPITimeout: getEnv("ANOMALY_API_TIMEOUT", "10s"),
				QueryStep:         getEnv("PROMETHEUS_QUERY_STEP", "1m"),
			},
			Ruleset: RulesetConfig{
				ConfigFile:      getEnv("RULESET_FILE", ""),
				RefreshInterval: getEnv("RULESET_REFRESH_INTERVAL", "30s"),
			},
			Access: AccessConfig{
				EnrichTTL:     getEnv("ENRICH_TTL", "5m"),
				EnrichRefresh: getEnv("ENRICH_REFRESH", "1m"),
				DedupTTL:      getEnv("ACCESS_DEDUP_TTL", "1h"),
			},
			Composer: ComposerConfig{
				ActiveTTL:      getEnv("ALERT_ACTIVE_TTL", "168h"),
				TopEventPolicy: getEnv("TOP_EVENT_POLICY", "newest"),
				LRUSize:        getEnvInt("COMPOSER_LRU_SIZE", 10000),
				ReindexEvery:   getEnv("COMPOSER_REINDEX_EVERY", "10m"),
				QoSThreshold:   getEnvInt("QOS_THRESHOLD", 0),
				QoSWindow:      getEnv("QOS_WINDOW", "1m"),
			},
			Manager: ManagerConfig{
				Interval: getEnv("MANAGER_INTERVAL", "60s"),
			},
			Dispatch: DispatchConfig{
				PluginTimeout:  getEnv("PLUGIN_TIMEOUT", "30s"),
				IdempotencyTTL: getEnv("ACTION_IDEM_TTL", "24h"),
				NoticeURL:      getEnv("NOTICE_URL", ""),
				JobURL:         getEnv("JOB_URL", ""),
				ChatbotURL:     getEnv("CHATBOT_URL", ""),
				WorkflowURL:    getEnv("WORKFLOW_URL", ""),
			},
			Lease: LeaseConfig{
				TTL: getEnv("LEASE_TTL", "30s"),
			},
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			log.Error().Err(err).Str("file", configFile).Msg("load config file failed")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Alerting.Shards.Count <= 0 {
		cfg.Alerting.Shards.Count = 1
	}
	if cfg.Alerting.Pipeline.MaxBatch == 0 {
		cfg.Alerting.Pipeline.MaxBatch = 1000
	}
	if cfg.Alerting.Pipeline.HighWater == 0 {
		cfg.Alerting.Pipeline.HighWater = 5000
	}
	if cfg.Alerting.Pipeline.MaxProcess == 0 {
		cfg.Alerting.Pipeline.MaxProcess = 5000
	}
	if cfg.Alerting.Pipeline.QueueCapacity == 0 {
		cfg.Alerting.Pipeline.QueueCapacity = 100000
	}
	if cfg.Alerting.Pipeline.Workers == 0 {
		cfg.Alerting.Pipeline.Workers = 4
	}
	if cfg.Alerting.Pipeline.CheckMinPoint == 0 {
		cfg.Alerting.Pipeline.CheckMinPoint = 30
	}
	if cfg.Alerting.Composer.TopEventPolicy == "" {
		cfg.Alerting.Composer.TopEventPolicy = "newest"
	}
	if cfg.Alerting.Composer.LRUSize == 0 {
		cfg.Alerting.Composer.LRUSize = 10000
	}

	return cfg, nil
}

// Validate reports an ErrInvalid-wrapped error for unusable settings.
func (c *Config) Validate() error {
	if !validRole(c.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, c.Role)
	}
	for _, idx := range c.Alerting.Shards.Indexes {
		if idx < 0 || idx >= c.Alerting.Shards.Count {
			return fmt.Errorf("%w: shard index %d outside [0,%d)", ErrInvalid, idx, c.Alerting.Shards.Count)
		}
	}
	switch c.Alerting.Composer.TopEventPolicy {
	case "newest", "severity":
	default:
		return fmt.Errorf("%w: top event policy %q", ErrInvalid, c.Alerting.Composer.TopEventPolicy)
	}
	if c.Alerting.Pipeline.HighWater > c.Alerting.Pipeline.QueueCapacity {
		return fmt.Errorf("%w: highWater %d exceeds queueCapacity %d", ErrInvalid,
			c.Alerting.Pipeline.HighWater, c.Alerting.Pipeline.QueueCapacity)
	}
	durations := map[string]string{
		"pipeline.beatInterval":  c.Alerting.Pipeline.BeatInterval,
		"pipeline.cacheTimeout":  c.Alerting.Pipeline.CacheTimeout,
		"pipeline.drainDeadline": c.Alerting.Pipeline.DrainDeadline,
		"composer.activeTTL":     c.Alerting.Composer.ActiveTTL,
		"manager.interval":       c.Alerting.Manager.Interval,
		"dispatch.pluginTimeout": c.Alerting.Dispatch.PluginTimeout,
		"lease.ttl":              c.Alerting.Lease.TTL,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	return nil
}

// OwnedShards returns the shard indexes this process serves.
func (c *Config) OwnedShards() []int {
	if len(c.Alerting.Shards.Indexes) > 0 {
		return c.Alerting.Shards.Indexes
	}
	out := make([]int, c.Alerting.Shards.Count)
	for i := range out {
		out[i] = i
	}
	return out
}

func validRole(r string) bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: failed to parse config file %s: %v", ErrInvalid, filePath, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: failed to parse config file %s: %v", ErrInvalid, filePath, err)
		}
	}

	return nil
}

// ParseDuration parses s, returning d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInts(s string) []int {
	var out []int
	for _, p := range splitList(s) {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}
