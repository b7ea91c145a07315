// Package app wires the pipeline stages of one process from configuration
// and runs the selected role.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/qiniu/alarmflow/internal/alerting/api"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/queue"
	"github.com/qiniu/alarmflow/internal/alerting/service/access"
	"github.com/qiniu/alarmflow/internal/alerting/service/beater"
	"github.com/qiniu/alarmflow/internal/alerting/service/composer"
	"github.com/qiniu/alarmflow/internal/alerting/service/detect"
	"github.com/qiniu/alarmflow/internal/alerting/service/dispatch"
	"github.com/qiniu/alarmflow/internal/alerting/service/manager"
	"github.com/qiniu/alarmflow/internal/alerting/service/receiver"
	"github.com/qiniu/alarmflow/internal/alerting/service/trigger"
	"github.com/qiniu/alarmflow/internal/config"
	"github.com/qiniu/alarmflow/internal/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	RoleAccess     = "access"
	RoleDetect     = "detect"
	RoleTrigger    = "trigger"
	RoleComposer   = "composer"
	RoleManager    = "manager"
	RoleDispatcher = "dispatcher"
	RoleBeater     = "beater"
	RoleAllInOne   = "all-in-one"
)

// Options bound the cost of the work loops.
type Options struct {
	Role string
	// MinInterval floors every periodic loop. It is also the length of one cycle.
	MinInterval time.Duration
	// MaxCycles stops the process after that many cycles. Zero means unlimited.
	MaxCycles int
	// MaxUptime stops the process after that long. Zero means unlimited.
	MaxUptime time.Duration
	// NoServer skips the HTTP listener.
	NoServer bool
}

// Roles expands role into the stages it runs.
func Roles(role string) []string {
	if role == RoleAllInOne {
		return []string{RoleAccess, RoleDetect, RoleTrigger, RoleComposer, RoleManager, RoleDispatcher, RoleBeater}
	}
	return []string{role}
}

type App struct {
	d      *Deps
	opts   Options
	roles  map[string]bool
	drain  time.Duration
	tick   time.Duration
	shards []int
	cycles atomic.Int64

	Access     *access.Service
	Enricher   *access.Enricher
	Puller     *access.Puller
	Detect     *detect.Service
	Trigger    *trigger.Service
	Composer   *composer.Service
	Manager    *manager.Service
	Dispatcher *dispatch.Service
	Beater     *beater.Service
	Router     *fox.Engine
}

func floor(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}

// New builds the services of opts.Role on top of d.
func New(d *Deps, opts Options) (*App, error) {
	cfg := d.Cfg
	if opts.Role == "" {
		opts.Role = cfg.Role
	}
	a := &App{
		d:      d,
		opts:   opts,
		roles:  map[string]bool{},
		drain:  config.ParseDuration(cfg.Alerting.Pipeline.DrainDeadline, 10*time.Second),
		tick:   floor(opts.MinInterval, time.Second),
		shards: cfg.OwnedShards(),
	}
	for _, r := range Roles(opts.Role) {
		a.roles[r] = true
	}
	p := cfg.Alerting.Pipeline
	shardCount := cfg.Alerting.Shards.Count

	if a.roles[RoleAccess] {
		enrichTTL := config.ParseDuration(cfg.Alerting.Access.EnrichTTL, 5*time.Minute)
		a.Enricher = access.NewEnricher(d.Hosts, enrichTTL)
		a.Access = access.New(access.Deps{
			Rules:    d.Rules,
			Cache:    d.Cache,
			Queue:    d.Queue,
			Enricher: a.Enricher,
			Metrics:  d.Metrics,
			Once:     d.Once,
			DedupTTL: config.ParseDuration(cfg.Alerting.Access.DedupTTL, time.Hour),
			Shards:   shardCount,
			Now:      d.Now,
		})
		if d.Prom != nil {
			a.Puller = access.NewPuller(a.Access, d.Prom, config.ParseDuration(cfg.Alerting.Prometheus.QueryTimeout, 30*time.Second))
		}
	}
	if a.roles[RoleDetect] {
		var history detect.HistoryProvider
		if d.Prom != nil {
			history = detect.PromHistory{Q: d.Prom}
		}
		var anomaly detect.AnomalyDetector
		if d.Anomaly != nil {
			anomaly = d.Anomaly
		}
		a.Detect = detect.New(detect.Deps{
			Rules:         d.Rules,
			Cache:         d.Cache,
			Queue:         d.Queue,
			Delayer:       d.Delayer,
			Leases:        d.Leases,
			Registry:      detect.DefaultRegistry(anomaly),
			History:       history,
			Metrics:       d.Metrics,
			Once:          d.Once,
			MaxBatch:      p.MaxBatch,
			HighWater:     p.HighWater,
			CheckMinPoint: p.CheckMinPoint,
			Shards:        shardCount,
			Now:           d.Now,
		})
	}
	if a.roles[RoleTrigger] {
		a.Trigger = trigger.New(trigger.Deps{
			Rules:      d.Rules,
			Cache:      d.Cache,
			Queue:      d.Queue,
			Delayer:    d.Delayer,
			Topic:      d.Topic,
			Leases:     d.Leases,
			Metrics:    d.Metrics,
			Retry:      d.Writer.Retry,
			MaxProcess: p.MaxProcess,
			Shards:     shardCount,
			Now:        d.Now,
		})
	}
	if a.roles[RoleComposer] {
		c := cfg.Alerting.Composer
		svc, err := composer.New(composer.Deps{
			Cache:          d.Cache,
			Store:          d.Store,
			Writer:         d.Writer,
			Topic:          d.Topic,
			Delayer:        d.Delayer,
			Leases:         d.Leases,
			IDs:            d.IDs,
			Metrics:        d.Metrics,
			LRUSize:        c.LRUSize,
			TopEventPolicy: c.TopEventPolicy,
			QoSThreshold:   int64(c.QoSThreshold),
			QoSWindow:      config.ParseDuration(c.QoSWindow, time.Minute),
			Shards:         shardCount,
			Now:            d.Now,
		})
		if err != nil {
			return nil, err
		}
		a.Composer = svc
	}
	// The manager also serves the manual operations of the API, so it is always built.
	a.Manager = manager.New(manager.Deps{
		Rules:    d.Rules,
		Cache:    d.Cache,
		Writer:   d.Writer,
		Leases:   d.Leases,
		Metrics:  d.Metrics,
		Shards:   a.shards,
		Interval: floor(config.ParseDuration(cfg.Alerting.Manager.Interval, time.Minute), opts.MinInterval),
		Now:      d.Now,
	})
	if a.roles[RoleDispatcher] {
		dc := cfg.Alerting.Dispatch
		timeout := config.ParseDuration(dc.PluginTimeout, 30*time.Second)
		a.Dispatcher = dispatch.New(dispatch.Deps{
			Rules:   d.Rules,
			Cache:   d.Cache,
			Store:   d.Store,
			Writer:  d.Writer,
			Topic:   d.Topic,
			Delayer: d.Delayer,
			Leases:  d.Leases,
			Plugins: dispatch.HTTPRegistry(map[string]string{
				model.PluginNotice:   dc.NoticeURL,
				model.PluginJob:      dc.JobURL,
				model.PluginChatbot:  dc.ChatbotURL,
				model.PluginWorkflow: dc.WorkflowURL,
			}, timeout),
			Matcher:       dispatch.NewMatcher(1024),
			IDs:           d.IDs,
			Metrics:       d.Metrics,
			ConfigLog:     d.Once,
			Retry:         d.Writer.Retry,
			PluginTimeout: timeout,
			IdemTTL:       config.ParseDuration(dc.IdempotencyTTL, 24*time.Hour),
			Shards:        shardCount,
			Now:           d.Now,
		})
	}
	if a.roles[RoleBeater] || a.Detect != nil || a.Trigger != nil {
		bd := beater.Deps{
			Rules:      d.Rules,
			Queue:      d.Queue,
			Delayer:    d.Delayer,
			Schedule:   a.roles[RoleBeater],
			Metrics:    d.Metrics,
			Workers:    p.Workers,
			Interval:   floor(config.ParseDuration(p.BeatInterval, 10*time.Second), opts.MinInterval),
			MoveEvery:  a.tick,
			Shards:     a.shards,
			ShardCount: shardCount,
			Now:        d.Now,
		}
		if a.Detect != nil {
			bd.Detect = func(ctx context.Context, id int64) error {
				_, err := a.Detect.RunRule(ctx, id)
				return err
			}
		}
		if a.Trigger != nil {
			bd.Trigger = func(ctx context.Context, id int64) error {
				_, err := a.Trigger.RunRule(ctx, id)
				return err
			}
		}
		a.Beater = beater.New(bd)
	}

	if !opts.NoServer {
		gin.SetMode(gin.ReleaseMode)
		a.Router = fox.New()
		a.Router.Use(middleware.RequestLog)
		deps := api.Deps{Cache: d.Cache, Store: d.Store, Ops: a.Manager, Gatherer: d.Registry}
		if a.roles[RoleAccess] {
			s := cfg.Server
			deps.Receiver = receiver.NewHandler(d.Topic, receiver.Auth{User: s.BasicUser, Pass: s.BasicPass, Bearer: s.Bearer}, d.Metrics)
		}
		api.NewApi(a.Router, deps)
	}
	return a, nil
}

// Cycles returns the number of completed cycles.
func (a *App) Cycles() int { return int(a.cycles.Load()) }

// every runs fn each period until ctx is done.
func every(ctx context.Context, period time.Duration, name string, fn func(ctx context.Context) error) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil {
				if model.KindOf(err) == model.KindFatal {
					return err
				}
				if ctx.Err() == nil {
					log.Error().Err(err).Str("loop", name).Msg("periodic work failed")
				}
			}
		}
	}
}

func (a *App) consume(g *errgroup.Group, ctx context.Context, topic string, h queue.Handler) {
	g.Go(func() error {
		err := a.d.Topic.Consume(ctx, topic, h)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("consume %s: %w", topic, err)
		}
		return nil
	})
}

func (a *App) serve(g *errgroup.Group, ctx context.Context) {
	srv := &http.Server{Addr: a.d.Cfg.Server.BindAddr, Handler: a.Router}
	g.Go(func() error {
		log.Info().Msgf("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return model.Fatal("app.serve", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.drain)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// Run starts the role and blocks until ctx is done, a limit is reached, or a
// stage fails fatally. Reaching a limit is a clean stop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.opts.MaxUptime > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, a.opts.MaxUptime)
		defer stop()
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.d.Rules.Run(gctx)
		return nil
	})
	if a.Access != nil {
		a.consume(g, gctx, queue.TopicIngest, a.Access.Handle)
		g.Go(func() error {
			a.Enricher.Run(gctx, config.ParseDuration(a.d.Cfg.Alerting.Access.EnrichRefresh, time.Minute))
			return nil
		})
		if a.Puller != nil {
			g.Go(func() error {
				a.Puller.Run(gctx, a.tick)
				return nil
			})
		}
	}
	if a.Beater != nil {
		g.Go(func() error { return a.Beater.Run(gctx) })
	}
	if a.Composer != nil {
		a.consume(g, gctx, queue.TopicEvent, a.Composer.Handle)
		g.Go(func() error {
			return every(gctx, a.tick, "composer.retry", func(ctx context.Context) error {
				_, err := a.Composer.RetryDelayed(ctx)
				return err
			})
		})
	}
	if a.roles[RoleManager] {
		g.Go(func() error { return a.Manager.Run(gctx) })
	}
	if a.Dispatcher != nil {
		a.consume(g, gctx, queue.TopicSignal, a.Dispatcher.Handle)
		g.Go(func() error {
			return every(gctx, a.tick, "dispatch.retry", func(ctx context.Context) error {
				_, err := a.Dispatcher.RetryDelayed(ctx)
				return err
			})
		})
	}
	if a.Router != nil {
		a.serve(g, gctx)
	}
	if a.opts.MaxCycles > 0 {
		g.Go(func() error {
			_ = every(gctx, a.tick, "cycles", func(context.Context) error {
				if n := a.cycles.Add(1); n >= int64(a.opts.MaxCycles) {
					log.Info().Int64("cycles", n).Msg("cycle limit reached")
					cancel()
				}
				return nil
			})
			return nil
		})
	}
	log.Info().Str("role", a.opts.Role).Ints("shards", a.shards).Msg("alarmflow started")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return clean(err)
	case <-gctx.Done():
	}
	select {
	case err := <-done:
		return clean(err)
	case <-time.After(a.drain):
		log.Warn().Dur("deadline", a.drain).Msg("drain deadline exceeded, abandoning in-flight work")
		return nil
	}
}

func clean(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
