// Package presence tracks device heartbeats and pauses sessions on devices
// that stop reporting.
package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
)

const (
	systemActor    = "system"
	offlineNotes   = "Device offline - possible power failure"
	silentReason   = "No heartbeat received"
	heartbeatNotes = "Heartbeat received"

	// DefaultOfflineThreshold is how long a device may stay silent.
	DefaultOfflineThreshold = 2 * time.Minute
)

// HeartbeatInfo is what a device reports with each heartbeat.
// Nil fields keep the stored value.
type HeartbeatInfo struct {
	Name      *string
	Location  *string
	IPAddress string
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	SessionsPaused int `json:"sessions_paused"`
	DevicesOffline int `json:"devices_offline"`
}

// Monitor handles heartbeats and the offline sweep.
type Monitor struct {
	store     storage.Store
	pub       realtime.Publisher
	clock     clock.Clock
	threshold time.Duration
	logger    zerolog.Logger
}

// New creates a presence monitor. A non-positive threshold uses DefaultOfflineThreshold.
func New(store storage.Store, pub realtime.Publisher, clk clock.Clock, threshold time.Duration, logger zerolog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	return &Monitor{
		store:     store,
		pub:       pub,
		clock:     clk,
		threshold: threshold,
		logger:    logger.With().Str("component", "presence").Logger(),
	}
}

// Heartbeat records a presence signal. Paused sessions stay paused.
func (m *Monitor) Heartbeat(ctx context.Context, deviceKey string, info HeartbeatInfo) (*storage.Device, error) {
	deviceKey = strings.TrimSpace(deviceKey)
	if deviceKey == "" {
		return nil, errs.Validation("device key is required")
	}

	update := storage.DeviceUpdate{Name: info.Name, Location: info.Location}
	if ip := strings.TrimSpace(info.IPAddress); ip != "" {
		update.IPAddress = &ip
	}

	now := m.clock.Now()
	previous, err := m.store.Devices().Touch(ctx, deviceKey, update, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.NotFound("device %s is not registered", deviceKey)
		}
		return nil, errs.Storage("record heartbeat", err)
	}
	metrics.Heartbeats.Inc()

	device, err := m.store.Devices().GetByKey(ctx, deviceKey)
	if err != nil {
		return nil, errs.Storage("load device", err)
	}

	if previous == storage.DeviceOffline {
		m.logger.Info().Str("device", deviceKey).Msg("Device back online")
		m.publish(ctx, realtime.DeviceStatusChanged, realtime.StaffRooms(), realtime.DeviceStatusPayload{
			DeviceID:  device.ID,
			DeviceKey: device.DeviceKey,
			Name:      device.Name,
			OldStatus: storage.DeviceOffline,
			NewStatus: storage.DeviceOnline,
			Reason:    heartbeatNotes,
		})
	}
	return device, nil
}

// Sweep pauses sessions on silent devices, then marks every remaining
// silent device offline.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := m.clock.Now()
	cutoff := now.Add(-m.threshold)

	sessions, err := m.store.Sessions().ListActiveOnSilentDevices(ctx, cutoff)
	if err != nil {
		return result, errs.Storage("list sessions on silent devices", err)
	}

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ok, err := m.store.Sessions().Pause(ctx, s.ID, storage.PauseInfo{
			At:     now,
			Reason: storage.PauseDeviceOffline,
			Notes:  offlineNotes,
			By:     systemActor,
		})
		if err != nil {
			m.logger.Error().Err(err).Int64("session_id", s.ID).Msg("Failed to pause session on silent device")
			continue
		}
		if !ok {
			continue
		}
		result.SessionsPaused++
		metrics.SessionsPaused.WithLabelValues(string(storage.PauseDeviceOffline)).Inc()

		if m.markOffline(ctx, s.DeviceID, now) {
			result.DevicesOffline++
		}

		m.logger.Warn().
			Int64("session_id", s.ID).
			Str("device", s.DeviceKey).
			Msg("Device silent, session paused")

		s.PausedAt = &now
		s.PauseReason = storage.PauseDeviceOffline
		s.PauseNotes = offlineNotes
		s.PausedBy = systemActor
		payload := realtime.NewSessionPayload(s, now)
		payload.Reason = string(storage.PauseDeviceOffline)
		payload.Notes = offlineNotes
		payload.Actor = systemActor
		m.publish(ctx, realtime.SessionPaused, realtime.SessionRooms(s.DeviceKey), payload)
	}

	devices, err := m.store.Devices().ListSilent(ctx, cutoff)
	if err != nil {
		return result, errs.Storage("list silent devices", err)
	}

	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !m.markOffline(ctx, d.ID, now) {
			continue
		}
		result.DevicesOffline++

		m.logger.Warn().Str("device", d.DeviceKey).Msg("Device marked offline")
		m.publish(ctx, realtime.DeviceStatusChanged, realtime.StaffRooms(), realtime.DeviceStatusPayload{
			DeviceID:  d.ID,
			DeviceKey: d.DeviceKey,
			Name:      d.Name,
			OldStatus: d.Status,
			NewStatus: storage.DeviceOffline,
			Reason:    silentReason,
		})
	}

	if result.SessionsPaused > 0 || result.DevicesOffline > 0 {
		m.logger.Info().
			Int("sessions_paused", result.SessionsPaused).
			Int("devices_offline", result.DevicesOffline).
			Msg("Presence sweep completed")
	}
	return result, nil
}

// Run adapts Sweep to a scheduler task.
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}

func (m *Monitor) markOffline(ctx context.Context, deviceID int64, now time.Time) bool {
	ok, err := m.store.Devices().MarkOffline(ctx, deviceID, now)
	if err != nil {
		m.logger.Error().Err(err).Int64("device_id", deviceID).Msg("Failed to mark device offline")
		return false
	}
	if ok {
		metrics.DevicesOffline.Inc()
	}
	return ok
}

func (m *Monitor) publish(ctx context.Context, name string, rooms []string, payload any) {
	err := m.pub.Publish(ctx, realtime.Event{
		Name:      name,
		Rooms:     rooms,
		Payload:   payload,
		Timestamp: m.clock.Now(),
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("event", name).Msg("Publish failed")
	}
}
