package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/alarmflow/internal/alerting/lease"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/qiniu/alarmflow/internal/alerting/service/manager"
	"github.com/qiniu/alarmflow/internal/alerting/store"
	"github.com/rs/zerolog/log"
)

func (api *Api) setupAlertRouters(router *fox.Engine) {
	router.GET("/v1/alerts/:dedup", api.GetAlert)
	router.POST("/v1/alerts/:dedup/ack", api.AckAlert)
	router.POST("/v1/alerts/:dedup/close", api.CloseAlert)
}

type alertResponse struct {
	*model.Alert
	Actions []*model.ActionInstance `json:"actions,omitempty"`
}

type operationRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

// GetAlert returns the live snapshot, falling back to the durable store.
func (api *Api) GetAlert(c *fox.Context) {
	dedup := c.Param("dedup")
	ctx := c.Request.Context()
	var a *model.Alert
	var err error
	if api.d.Cache != nil {
		if a, err = api.d.Cache.GetAlert(ctx, dedup); err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
	}
	if a == nil && api.d.Store != nil {
		a, err = api.d.Store.ActiveAlert(ctx, dedup)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
	}
	if a == nil {
		sendError(c, http.StatusNotFound, "NOT_FOUND", "alert not found")
		return
	}
	resp := alertResponse{Alert: a}
	if api.d.Store != nil {
		actions, err := api.d.Store.Actions(ctx, a.AlertID)
		if err != nil {
			log.Warn().Err(err).Str("alert_id", a.AlertID).Msg("load actions failed")
		}
		resp.Actions = actions
	}
	c.JSON(http.StatusOK, resp)
}

func (api *Api) AckAlert(c *fox.Context) {
	api.operate(c, "ack", api.d.Ops.RequestAck)
}

func (api *Api) CloseAlert(c *fox.Context) {
	api.operate(c, "close", api.d.Ops.RequestClose)
}

func (api *Api) operate(c *fox.Context, op string, fn func(ctx context.Context, dedup, operator, reason string) error) {
	dedup := c.Param("dedup")
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid request body: "+err.Error())
		return
	}
	if req.Operator == "" {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", "operator is required")
		return
	}
	err := fn(c.Request.Context(), dedup, req.Operator, req.Reason)
	switch {
	case err == nil:
		log.Info().Str("dedup_md5", dedup).Str("operator", req.Operator).Str("op", op).Msg("manual operation accepted")
		c.JSON(http.StatusAccepted, map[string]any{"ok": true})
	case errors.Is(err, manager.ErrAlertNotFound):
		sendError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, manager.ErrAlertTerminal):
		sendError(c, http.StatusConflict, "ALERT_ENDED", err.Error())
	case errors.Is(err, lease.ErrNotAcquired), model.KindOf(err) == model.KindLease:
		sendError(c, http.StatusConflict, "BUSY", "alert is being processed, retry later")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
