package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/database"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/prom"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/retry"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/qiniu/alarmflow/internal/alerting/service/persist"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/qiniu/alarmflow/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Deps are the shared clients every role is built from.
type Deps struct {
	Cfg      *config.Config
	Redis    *redis.Client
	Cache    *cache.Cache
	Leases   *lease.Manager
	Queue    queue.Queue
	Delayer  queue.Delayer
	Topic    queue.Topic
	Store    store.Store
	Rules    *ruleset.Store
	Hosts    ruleset.HostSource
	Prom     *prom.Client
	Anomaly  *prom.AnomalyClient
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	Once     *telemetry.OnceLogger
	IDs      model.IDGenerator
	Writer   *persist.Writer
	Now      func() time.Time

	closers []func()
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// rulesetProvider picks the configuration store: Postgres when a database is
// configured, otherwise the ruleset file.
func rulesetProvider(cfg *config.Config) (ruleset.Provider, ruleset.HostSource, func(), error) {
	if dsn := cfg.Database.DSN(); dsn != "" {
		db, err := database.New(dsn)
		if err != nil {
			return nil, nil, nil, model.Transient("app.database", err)
		}
		p := ruleset.NewPgProvider(db)
		return p, p, func() { _ = db.Close() }, nil
	}
	if cfg.Alerting.Ruleset.ConfigFile != "" {
		p := ruleset.FileProvider{Path: cfg.Alerting.Ruleset.ConfigFile}
		return p, p, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: neither database host nor ruleset file configured", config.ErrInvalid)
}

// Build connects every backend named by cfg. Kafka and the durable store fall
// back to in-process implementations when they are not configured.
func Build(ctx context.Context, cfg *config.Config) (*Deps, error) {
	p := cfg.Alerting.Pipeline
	cacheTimeout := config.ParseDuration(p.CacheTimeout, time.Second)
	d := &Deps{Cfg: cfg, Now: time.Now}

	provider, hosts, closeDB, err := rulesetProvider(cfg)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, closeDB)
	d.Hosts = hosts
	d.Rules = ruleset.NewStore(provider, config.ParseDuration(cfg.Alerting.Ruleset.RefreshInterval, 30*time.Second))
	if err := d.Rules.Refresh(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: initial ruleset load: %v", config.ErrInvalid, err)
	}

	d.Redis = cache.NewRedisClientFromConfig(&cfg.Redis)
	d.closers = append(d.closers, func() { _ = d.Redis.Close() })
	activeTTL := config.ParseDuration(cfg.Alerting.Composer.ActiveTTL, 7*24*time.Hour)
	d.Cache = cache.New(d.Redis, activeTTL, cacheTimeout)
	d.Leases = lease.NewManager(d.Redis, config.ParseDuration(cfg.Alerting.Lease.TTL, 30*time.Second))
	rq := queue.NewRedis(d.Redis, p.QueueCapacity, cacheTimeout)
	d.Queue, d.Delayer = rq, rq
	d.IDs = cache.NewIDGenerator(d.Cache)

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := queue.NewKafka(queue.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			TopicPrefix:   cfg.Kafka.TopicPrefix,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		d.Topic = k
	} else {
		log.Warn().Msg("no kafka brokers configured, using in-process topics")
		d.Topic = queue.NewMemoryTopic()
	}
	d.closers = append(d.closers, func() { _ = d.Topic.Close() })

	if cfg.Store.DSN != "" {
		s, err := store.NewPg(ctx, cfg.Store.DSN, config.ParseDuration(cfg.Store.BulkTimeout, 30*time.Second))
		if err != nil {
			d.Close()
			return nil, model.Transient("app.store", err)
		}
		d.Store = s
	} else {
		log.Warn().Msg("no alert store configured, documents are kept in memory")
		d.Store = store.NewMemory()
	}
	d.closers = append(d.closers, d.Store.Close)

	if url := cfg.Alerting.Prometheus.URL; url != "" {
		c, err := prom.NewClient(url, config.ParseDuration(cfg.Alerting.Prometheus.QueryTimeout, 30*time.Second))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: prometheus client: %v", config.ErrInvalid, err)
		}
		d.Prom = c
	}
	if url := cfg.Alerting.Prometheus.AnomalyAPIURL; url != "" {
		d.Anomaly = prom.NewAnomalyClient(url, config.ParseDuration(cfg.Alerting.Prometheus.AnomalyAPITimeout, 10*time.Second))
	}

	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Metrics = telemetry.NewMetrics(d.Registry)
	d.Once = telemetry.NewOnceLogger(time.Hour)
	d.Writer = d.writer()
	return d, nil
}

func (d *Deps) writer() *persist.Writer {
	return &persist.Writer{
		Cache:   d.Cache,
		Store:   d.Store,
		Topic:   d.Topic,
		Metrics: d.Metrics,
		Retry:   retry.Default,
		Shards:  d.Cfg.Alerting.Shards.Count,
		Reindex: config.ParseDuration(d.Cfg.Alerting.Composer.ReindexEvery, persist.DefaultReindex),
	}
}
