// Package discovery registers devices that announce themselves and prunes
// the discovery log.
package discovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
)

const systemActor = "system"

// Announcement is what a device sends when it starts up.
type Announcement struct {
	DeviceKey string
	Name      string
	Type      string
	Location  string
	Metadata  string
	IPAddress string
}

// ApproveRequest resolves a pending discovery into a registered device.
type ApproveRequest struct {
	Name     string
	Location string
	Actor    string
}

// Thresholds are the grace periods used by Cleanup.
type Thresholds struct {
	StalePending time.Duration
	OldRejected  time.Duration
	OldApproved  time.Duration
	Aggressive   time.Duration
}

// DefaultThresholds returns the stock grace periods.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StalePending: 10 * time.Minute,
		OldRejected:  7 * 24 * time.Hour,
		OldApproved:  24 * time.Hour,
		Aggressive:   5 * time.Minute,
	}
}

// Service handles announcements, manual resolution and cleanup.
type Service struct {
	store      storage.Store
	pub        realtime.Publisher
	clock      clock.Clock
	thresholds Thresholds
	logger     zerolog.Logger
}

// New creates a discovery service. Zero thresholds take their defaults.
func New(store storage.Store, pub realtime.Publisher, clk clock.Clock, thresholds Thresholds, logger zerolog.Logger) *Service {
	defaults := DefaultThresholds()
	if thresholds.StalePending <= 0 {
		thresholds.StalePending = defaults.StalePending
	}
	if thresholds.OldRejected <= 0 {
		thresholds.OldRejected = defaults.OldRejected
	}
	if thresholds.OldApproved <= 0 {
		thresholds.OldApproved = defaults.OldApproved
	}
	if thresholds.Aggressive <= 0 {
		thresholds.Aggressive = defaults.Aggressive
	}
	return &Service{
		store:      store,
		pub:        pub,
		clock:      clk,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "discovery").Logger(),
	}
}

// Announce refreshes a registered device, or registers a new one and logs a
// pre-approved discovery record for it. It reports whether the device is new.
func (s *Service) Announce(ctx context.Context, a Announcement) (*storage.Device, bool, error) {
	a.DeviceKey = strings.TrimSpace(a.DeviceKey)
	a.Name = strings.TrimSpace(a.Name)
	if a.DeviceKey == "" || a.Name == "" {
		return nil, false, errs.Validation("device_id and device_name are required")
	}

	now := s.clock.Now()
	_, err := s.store.Devices().GetByKey(ctx, a.DeviceKey)
	switch {
	case err == nil:
		device, err := s.refresh(ctx, a, now)
		return device, false, err
	case errors.Is(err, storage.ErrNotFound):
		device, err := s.autoRegister(ctx, a, now)
		return device, true, err
	default:
		return nil, false, errs.Storage("look up device", err)
	}
}

func (s *Service) refresh(ctx context.Context, a Announcement, now time.Time) (*storage.Device, error) {
	update := storage.DeviceUpdate{Name: &a.Name}
	if a.Location != "" {
		update.Location = &a.Location
	}
	if a.IPAddress != "" {
		update.IPAddress = &a.IPAddress
	}
	if _, err := s.store.Devices().Touch(ctx, a.DeviceKey, update, now); err != nil {
		return nil, errs.Storage("update announced device", err)
	}
	device, err := s.store.Devices().GetByKey(ctx, a.DeviceKey)
	if err != nil {
		return nil, errs.Storage("load device", err)
	}

	s.logger.Debug().Str("device", device.DeviceKey).Msg("Registered device announced itself")
	s.publish(ctx, realtime.DeviceUpdated, realtime.NewDevicePayload(*device))
	return device, nil
}

func (s *Service) autoRegister(ctx context.Context, a Announcement, now time.Time) (*storage.Device, error) {
	device := &storage.Device{
		DeviceKey:     a.DeviceKey,
		Name:          a.Name,
		Location:      a.Location,
		IPAddress:     a.IPAddress,
		Status:        storage.DeviceOnline,
		LastHeartbeat: &now,
		CreatedAt:     now,
	}
	if err := s.store.Devices().Register(ctx, device); err != nil {
		return nil, errs.Storage("register device", err)
	}

	record := &storage.DiscoveryRecord{
		DeviceKey:  a.DeviceKey,
		DeviceName: a.Name,
		DeviceType: a.Type,
		Metadata:   a.Metadata,
		IPAddress:  a.IPAddress,
		LastSeen:   now,
		ApprovedAt: &now,
		ApprovedBy: systemActor,
		CreatedAt:  now,
	}
	if err := s.store.Discoveries().Create(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("device", a.DeviceKey).Msg("Failed to record discovery")
	}

	s.logger.Info().Str("device", device.DeviceKey).Str("ip", device.IPAddress).Msg("Device auto-registered")
	payload := realtime.NewDevicePayload(*device)
	payload.Actor = systemActor
	s.publish(ctx, realtime.DeviceAutoRegistered, payload)
	return device, nil
}

// Pending lists unresolved discoveries, most recently seen first.
func (s *Service) Pending(ctx context.Context) ([]storage.DiscoveryRecord, error) {
	records, err := s.store.Discoveries().ListPending(ctx)
	if err != nil {
		return nil, errs.Storage("list pending discoveries", err)
	}
	return records, nil
}

// Approve registers the device behind a pending discovery.
func (s *Service) Approve(ctx context.Context, id int64, req ApproveRequest) (*storage.Device, error) {
	record, err := s.pendingRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = record.DeviceName
	}
	device := &storage.Device{
		DeviceKey:     record.DeviceKey,
		Name:          name,
		Location:      strings.TrimSpace(req.Location),
		IPAddress:     record.IPAddress,
		Status:        storage.DeviceOnline,
		LastHeartbeat: &record.LastSeen,
		CreatedAt:     now,
	}
	// The record stays pending until the device row exists.
	if err := s.store.Devices().Register(ctx, device); err != nil {
		return nil, errs.Storage("register device", err)
	}
	ok, err := s.store.Discoveries().Approve(ctx, id, now, req.Actor)
	if err != nil {
		return nil, errs.Storage("approve discovery", err)
	}
	if !ok {
		return nil, errs.InvalidState("discovery %d is already resolved", id)
	}

	s.logger.Info().Int64("discovery_id", id).Str("device", device.DeviceKey).Str("actor", req.Actor).Msg("Discovery approved")
	payload := realtime.NewDevicePayload(*device)
	payload.Actor = req.Actor
	s.publish(ctx, realtime.DiscoveryApproved, payload)
	return device, nil
}

// RejectPayload is published when a discovery is rejected.
type RejectPayload struct {
	DiscoveryID int64  `json:"discovery_id"`
	DeviceKey   string `json:"device_key"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
}

// Reject stamps a pending discovery as rejected.
func (s *Service) Reject(ctx context.Context, id int64, reason, actor string) error {
	record, err := s.pendingRecord(ctx, id)
	if err != nil {
		return err
	}

	ok, err := s.store.Discoveries().Reject(ctx, id, s.clock.Now(), actor, reason)
	if err != nil {
		return errs.Storage("reject discovery", err)
	}
	if !ok {
		return errs.InvalidState("discovery %d is already resolved", id)
	}

	s.logger.Info().Int64("discovery_id", id).Str("device", record.DeviceKey).Str("reason", reason).Msg("Discovery rejected")
	s.publish(ctx, realtime.DiscoveryRejected, RejectPayload{
		DiscoveryID: id,
		DeviceKey:   record.DeviceKey,
		Reason:      reason,
		Actor:       actor,
	})
	return nil
}

func (s *Service) pendingRecord(ctx context.Context, id int64) (*storage.DiscoveryRecord, error) {
	record, err := s.store.Discoveries().Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.NotFound("discovery %d not found", id)
		}
		return nil, errs.Storage("load discovery", err)
	}
	if !record.Pending() {
		return nil, errs.InvalidState("discovery %d is already resolved", id)
	}
	return record, nil
}

// RemoveDevice soft-deletes a device that has no open session.
func (s *Service) RemoveDevice(ctx context.Context, deviceKey, actor string) error {
	device, err := s.store.Devices().GetByKey(ctx, deviceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errs.NotFound("device %s not found", deviceKey)
		}
		return errs.Storage("load device", err)
	}

	open, err := s.store.Sessions().ListOpenForDevice(ctx, device.ID)
	if err != nil {
		return errs.Storage("list open sessions", err)
	}
	if len(open) > 0 {
		return errs.Conflict("device %s has an open session", deviceKey)
	}

	if err := s.store.Devices().SoftDelete(ctx, deviceKey, s.clock.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errs.NotFound("device %s not found", deviceKey)
		}
		return errs.Storage("delete device", err)
	}

	s.logger.Info().Str("device", deviceKey).Str("actor", actor).Msg("Device removed")
	payload := realtime.NewDevicePayload(*device)
	payload.Actor = actor
	s.publish(ctx, realtime.DeviceDeleted, payload)
	return nil
}

func (s *Service) publish(ctx context.Context, name string, payload any) {
	err := s.pub.Publish(ctx, realtime.Event{
		Name:      name,
		Rooms:     realtime.StaffRooms(),
		Payload:   payload,
		Timestamp: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", name).Msg("Publish failed")
	}
}
