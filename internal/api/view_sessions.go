package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/tvbill/internal/catalog"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/expiry"
	"github.com/goodtune/tvbill/internal/session"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SessionViews handles session lifecycle and order requests.
type SessionViews struct {
	responder
	sessions *session.Service
	expiry   *expiry.Sweeper
	catalog  *catalog.Catalog
	clock    clock.Clock
}

type startRequest struct {
	DeviceID     int64  `json:"device_id" validate:"required"`
	PackageID    int64  `json:"package_id" validate:"required"`
	CustomerName string `json:"customer_name" validate:"max=255"`
	PaymentType  string `json:"payment_type" validate:"omitempty,oneof=prepaid pay_later"`
}

type addTimeRequest struct {
	AdditionalMinutes int             `json:"additional_minutes" validate:"required,gt=0"`
	AdditionalAmount  decimal.Decimal `json:"additional_amount"`
	PackageID         int64           `json:"package_id" validate:"min=0"`
}

type pauseRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes" validate:"max=500"`
}

type confirmRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

type orderRequest struct {
	Items []session.OrderLine `json:"items" validate:"required,min=1,dive"`
}

// Packages lists the active billing packages.
func (v *SessionViews) Packages(ctx *gin.Context) {
	pkgs, err := v.catalog.List(ctx.Request.Context())
	if err != nil {
		v.fail(ctx, errs.Storage("list packages", err))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"packages": pkgs,
		"count":    len(pkgs),
	})
}

// List returns sessions, newest first.
func (v *SessionViews) List(ctx *gin.Context) {
	filter := storage.SessionFilter{Limit: defaultListLimit}

	if raw := ctx.Query("status"); raw != "" {
		status := storage.SessionStatus(raw)
		switch status {
		case storage.SessionActive, storage.SessionPendingPayment, storage.SessionCompleted, storage.SessionCancelled:
			filter.Status = status
		default:
			v.fail(ctx, errs.Validation("invalid status %q", raw))
			return
		}
	}
	if raw := ctx.Query("device_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			v.fail(ctx, errs.Validation("invalid device_id %q", raw))
			return
		}
		filter.DeviceID = n
	}
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			v.fail(ctx, errs.Validation("limit must be between 1 and %d", maxListLimit))
			return
		}
		filter.Limit = n
	}
	if raw := ctx.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			v.fail(ctx, errs.Validation("invalid offset %q", raw))
			return
		}
		filter.Offset = n
	}

	views, err := v.sessions.List(ctx.Request.Context(), filter)
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"sessions": views,
		"count":    len(views),
	})
}

// Get returns one session with its computed clock.
func (v *SessionViews) Get(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	view, err := v.sessions.Get(ctx.Request.Context(), id)
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// History returns the package additions of a session.
func (v *SessionViews) History(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	additions, err := v.sessions.History(ctx.Request.Context(), id)
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"additions":  additions,
	})
}

// Expired lists sessions that closed past their duration within the last hours.
func (v *SessionViews) Expired(ctx *gin.Context) {
	hours := 24
	if raw := ctx.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 24*31 {
			v.fail(ctx, errs.Validation("invalid hours %q", raw))
			return
		}
		hours = n
	}

	expired, err := v.expiry.Recent(ctx.Request.Context(), v.clock.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"sessions": expired,
		"count":    len(expired),
		"hours":    hours,
	})
}

// ActiveForDevice returns the open session of a device.
func (v *SessionViews) ActiveForDevice(ctx *gin.Context) {
	view, err := v.sessions.ActiveForDevice(ctx.Request.Context(), ctx.Param("key"))
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// Start opens a session on a device.
func (v *SessionViews) Start(ctx *gin.Context) {
	var req startRequest
	if !v.bind(ctx, &req, false) {
		return
	}

	view, err := v.sessions.Start(ctx.Request.Context(), session.StartRequest{
		DeviceID:     req.DeviceID,
		CustomerName: req.CustomerName,
		PackageID:    req.PackageID,
		PaymentType:  storage.PaymentType(req.PaymentType),
		Actor:        actor(ctx),
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, view)
}

// AddTime extends a running session.
func (v *SessionViews) AddTime(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	var req addTimeRequest
	if !v.bind(ctx, &req, false) {
		return
	}

	view, err := v.sessions.AddTime(ctx.Request.Context(), session.AddTimeRequest{
		SessionID: id,
		Minutes:   req.AdditionalMinutes,
		Amount:    req.AdditionalAmount,
		PackageID: req.PackageID,
		Actor:     actor(ctx),
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// Pause stops the clock of a running session.
func (v *SessionViews) Pause(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	var req pauseRequest
	if !v.bind(ctx, &req, true) {
		return
	}
	reason, err := session.ParsePauseReason(req.Reason)
	if err != nil {
		v.fail(ctx, err)
		return
	}

	view, err := v.sessions.Pause(ctx.Request.Context(), session.PauseRequest{
		SessionID: id,
		Reason:    reason,
		Notes:     req.Notes,
		Actor:     actor(ctx),
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// Resume restarts the clock of a paused session.
func (v *SessionViews) Resume(ctx *gin.Context) {
	v.transition(ctx, v.sessions.Resume)
}

// End stops a session.
func (v *SessionViews) End(ctx *gin.Context) {
	v.transition(ctx, v.sessions.Stop)
}

// Cancel voids a session.
func (v *SessionViews) Cancel(ctx *gin.Context) {
	v.transition(ctx, v.sessions.Cancel)
}

// ConfirmPayment settles a pay-later session.
func (v *SessionViews) ConfirmPayment(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	var req confirmRequest
	if !v.bind(ctx, &req, true) {
		return
	}

	view, err := v.sessions.ConfirmPayment(ctx.Request.Context(), id, req.Notes, actor(ctx))
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (v *SessionViews) transition(ctx *gin.Context, op func(ctx context.Context, id int64, actor string) (*session.View, error)) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	view, err := op(ctx.Request.Context(), id, actor(ctx))
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// CreateOrder places an F&B order against a session.
func (v *SessionViews) CreateOrder(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	var req orderRequest
	if !v.bind(ctx, &req, false) {
		return
	}

	order, err := v.sessions.CreateOrder(ctx.Request.Context(), session.OrderRequest{
		SessionID: id,
		Items:     req.Items,
		Actor:     actor(ctx),
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, order)
}

// Orders lists the orders placed against a session.
func (v *SessionViews) Orders(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	orders, err := v.sessions.Orders(ctx.Request.Context(), id)
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"orders":     orders,
		"count":      len(orders),
	})
}
