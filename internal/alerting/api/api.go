// Package api serves the operator HTTP endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/fox-gonic/fox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qiniu/alarmflow/internal/alerting/cache"
	"github.com/qiniu/alarmflow/internal/alerting/service/receiver"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
)

// AlertOps are the manual operations on an active alert.
type AlertOps interface {
	RequestAck(ctx context.Context, dedup, operator, reason string) error
	RequestClose(ctx context.Context, dedup, operator, reason string) error
}

type Deps struct {
	Cache    *cache.Cache
	Store    store.Store
	Ops      AlertOps
	Gatherer prometheus.Gatherer
	// Receiver is registered when the process ingests pushed data.
	Receiver *receiver.Handler
}

type Api struct {
	d Deps
}

func NewApi(router *fox.Engine, d Deps) *Api {
	api := &Api{d: d}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *fox.Engine) {
	router.GET("/healthz", api.Healthz)
	if api.d.Gatherer != nil {
		h := telemetry.Handler(api.d.Gatherer)
		router.GET("/metrics", func(c *fox.Context) {
			h.ServeHTTP(c.Writer, c.Request)
		})
	}
	api.setupAlertRouters(router)
	if api.d.Receiver != nil {
		receiver.RegisterReceiverRoutes(router, api.d.Receiver)
	}
}

// Healthz reports whether the state cache is reachable.
func (api *Api) Healthz(c *fox.Context) {
	if api.d.Cache != nil {
		if err := api.d.Cache.Client().Ping(c.Request.Context()).Err(); err != nil {
			sendError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "redis: "+err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func sendError(c *fox.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}
