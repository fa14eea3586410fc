package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/tvbill/internal/discovery"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/presence"
	"github.com/goodtune/tvbill/internal/storage"
)

// DeviceViews handles device presence, discovery and registration requests.
type DeviceViews struct {
	responder
	devices   storage.DeviceStore
	presence  *presence.Monitor
	discovery *discovery.Service
}

type discoverRequest struct {
	DeviceKey  string          `json:"device_id" validate:"required,max=128"`
	DeviceName string          `json:"device_name" validate:"required,max=255"`
	DeviceType string          `json:"device_type" validate:"max=64"`
	Location   string          `json:"location" validate:"max=255"`
	Metadata   json.RawMessage `json:"metadata"`
	IPAddress  string          `json:"ip_address" validate:"omitempty,ip"`
}

type heartbeatRequest struct {
	Name      *string `json:"device_name" validate:"omitempty,max=255"`
	Location  *string `json:"location" validate:"omitempty,max=255"`
	IPAddress string  `json:"ip_address" validate:"omitempty,ip"`
}

type approveRequest struct {
	DeviceName string `json:"device_name" validate:"max=255"`
	Location   string `json:"location" validate:"max=255"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type cleanupRequest struct {
	Mode             string `json:"mode" validate:"omitempty,oneof=stale full aggressive"`
	ThresholdMinutes int    `json:"threshold_minutes" validate:"min=0,max=10080"`
}

// Discover handles a device announcement.
func (v *DeviceViews) Discover(ctx *gin.Context) {
	var req discoverRequest
	if !v.bind(ctx, &req, false) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = ctx.ClientIP()
	}

	device, created, err := v.discovery.Announce(ctx.Request.Context(), discovery.Announcement{
		DeviceKey: req.DeviceKey,
		Name:      req.DeviceName,
		Type:      req.DeviceType,
		Location:  req.Location,
		Metadata:  string(req.Metadata),
		IPAddress: req.IPAddress,
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}

	status, message := http.StatusOK, "Device already registered"
	if created {
		status, message = http.StatusCreated, "Device registered automatically"
	}
	ctx.JSON(status, gin.H{
		"device":        device,
		"registered":    true,
		"newly_created": created,
		"message":       message,
	})
}

// Heartbeat records a device presence signal.
func (v *DeviceViews) Heartbeat(ctx *gin.Context) {
	var req heartbeatRequest
	if !v.bind(ctx, &req, true) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = ctx.ClientIP()
	}

	device, err := v.presence.Heartbeat(ctx.Request.Context(), ctx.Param("key"), presence.HeartbeatInfo{
		Name:      req.Name,
		Location:  req.Location,
		IPAddress: req.IPAddress,
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"device_id": device.DeviceKey,
		"status":    device.Status,
		"timestamp": device.LastHeartbeat,
	})
}

// List returns all active devices.
func (v *DeviceViews) List(ctx *gin.Context) {
	devices, err := v.devices.List(ctx.Request.Context())
	if err != nil {
		v.fail(ctx, errs.Storage("list devices", err))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// Remove soft-deletes a device with no open session.
func (v *DeviceViews) Remove(ctx *gin.Context) {
	key := ctx.Param("key")
	if err := v.discovery.RemoveDevice(ctx.Request.Context(), key, actor(ctx)); err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message":   "Device removed",
		"device_id": key,
	})
}

// Discoveries returns pending discovery records.
func (v *DeviceViews) Discoveries(ctx *gin.Context) {
	records, err := v.discovery.Pending(ctx.Request.Context())
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"discoveries": records,
		"count":       len(records),
	})
}

// DiscoveryStats summarises the discovery log.
func (v *DeviceViews) DiscoveryStats(ctx *gin.Context) {
	stats, err := v.discovery.Stats(ctx.Request.Context())
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, stats)
}

// Approve registers the device behind a pending discovery.
func (v *DeviceViews) Approve(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	var req approveRequest
	if !v.bind(ctx, &req, true) {
		return
	}

	device, err := v.discovery.Approve(ctx.Request.Context(), id, discovery.ApproveRequest{
		Name:     req.DeviceName,
		Location: req.Location,
		Actor:    actor(ctx),
	})
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message": "Device approved",
		"device":  device,
	})
}

// Reject resolves a pending discovery without registering it.
func (v *DeviceViews) Reject(ctx *gin.Context) {
	id, ok := v.idParam(ctx, "id")
	if !ok {
		return
	}
	var req rejectRequest
	if !v.bind(ctx, &req, true) {
		return
	}

	if err := v.discovery.Reject(ctx.Request.Context(), id, req.Reason, actor(ctx)); err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message":      "Discovery rejected",
		"discovery_id": id,
	})
}

// Cleanup prunes the discovery log on demand.
func (v *DeviceViews) Cleanup(ctx *gin.Context) {
	req := cleanupRequest{Mode: ctx.Query("mode")}
	if !v.bind(ctx, &req, true) {
		return
	}
	mode, err := discovery.ParseMode(req.Mode)
	if err != nil {
		v.fail(ctx, err)
		return
	}

	result, err := v.discovery.Cleanup(ctx.Request.Context(), mode, time.Duration(req.ThresholdMinutes)*time.Minute)
	if err != nil {
		v.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message":           result.String(),
		"result":            result,
		"total":             result.Total(),
		"threshold_minutes": result.Threshold.Minutes(),
	})
}
