// Package session implements the billing session state machine.
//
// Sessions are active, pending_payment, completed or cancelled. Pausing is
// orthogonal: an active session is paused while paused_at is set. Every
// transition is a status-guarded store update; when the guard fails the
// session is re-read to report InvalidState, or to treat a stop as done.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/accounting"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxCompleteAttempts bounds the re-reads when a pause races a close.
const maxCompleteAttempts = 3

// Packages resolves billing packages.
type Packages interface {
	Get(ctx context.Context, id int64) (*storage.Package, error)
	Closest(ctx context.Context, minutes int, price decimal.Decimal) (storage.Package, bool, error)
}

// Service runs session transitions.
type Service struct {
	store    storage.Store
	packages Packages
	pub      realtime.Publisher
	clock    clock.Clock
	logger   zerolog.Logger
}

// New creates a session service.
func New(store storage.Store, packages Packages, pub realtime.Publisher, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		packages: packages,
		pub:      pub,
		clock:    clk,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// View is a session with its computed clock.
type View struct {
	storage.Session
	ElapsedMinutes   int `json:"elapsed_minutes"`
	RemainingMinutes int `json:"remaining_minutes"`
}

// StartRequest begins a session.
type StartRequest struct {
	DeviceID     int64
	CustomerName string
	PackageID    int64
	PaymentType  storage.PaymentType
	Actor        string
}

// AddTimeRequest extends a running session.
type AddTimeRequest struct {
	SessionID int64
	Minutes   int
	Amount    decimal.Decimal
	// PackageID labels the addition; zero resolves the closest package.
	PackageID int64
	Actor     string
}

// PauseRequest stops the clock of a running session.
type PauseRequest struct {
	SessionID int64
	Reason    storage.PauseReason
	Notes     string
	Actor     string
}

// ParsePauseReason validates a pause reason. Empty means other.
func ParsePauseReason(raw string) (storage.PauseReason, error) {
	switch reason := storage.PauseReason(strings.ToLower(strings.TrimSpace(raw))); reason {
	case "":
		return storage.PauseOther, nil
	case storage.PauseOther, storage.PausePrayerTime, storage.PausePowerOutage,
		storage.PauseCustomerRequest, storage.PauseDeviceOffline:
		return reason, nil
	default:
		return "", errs.Validation("invalid pause reason %q", raw)
	}
}

// Start opens a session on a device, replacing any session still open there.
func (s *Service) Start(ctx context.Context, req StartRequest) (*View, error) {
	if req.DeviceID <= 0 {
		return nil, errs.Validation("device_id is required")
	}
	if req.PackageID <= 0 {
		return nil, errs.Validation("package_id is required")
	}
	switch req.PaymentType {
	case "":
		req.PaymentType = storage.PaymentPrepaid
	case storage.PaymentPrepaid, storage.PaymentPayLater:
	default:
		return nil, errs.Validation("invalid payment_type %q", req.PaymentType)
	}

	device, err := s.store.Devices().Get(ctx, req.DeviceID)
	if err != nil {
		return nil, classify(err, "device %d not found", req.DeviceID)
	}
	if !device.Active {
		return nil, errs.NotFound("device %d not found", req.DeviceID)
	}

	pkg, err := s.packages.Get(ctx, req.PackageID)
	if err != nil {
		return nil, classify(err, "package %d not found", req.PackageID)
	}

	now := s.clock.Now()
	if err := s.replaceOpen(ctx, device, req.Actor); err != nil {
		return nil, err
	}

	session := &storage.Session{
		DeviceID:        device.ID,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		PackageID:       pkg.ID,
		DurationMinutes: pkg.DurationMinutes,
		AmountPaid:      pkg.Price,
		PaymentType:     req.PaymentType,
		Status:          storage.SessionActive,
		StartTime:       now,
		CreatedBy:       req.Actor,
		CreatedAt:       now,
	}
	pkgID := pkg.ID
	initial := storage.PackageAddition{
		PackageID:   &pkgID,
		PackageName: pkg.Name,
		Minutes:     pkg.DurationMinutes,
		Price:       pkg.Price,
		Type:        storage.AdditionInitial,
		AddedBy:     req.Actor,
		CreatedAt:   now,
	}
	if err := s.store.Sessions().Create(ctx, session, initial); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, errs.Conflict("device %s already has an open session", device.DeviceKey)
		}
		return nil, errs.Storage("create session", err)
	}

	if err := s.store.Devices().MarkOnline(ctx, device.ID, now); err != nil {
		s.logger.Warn().Err(err).Int64("device_id", device.ID).Msg("Failed to mark device online")
	}

	created, err := s.load(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	metrics.SessionsStarted.WithLabelValues(string(created.PaymentType)).Inc()
	s.logger.Info().
		Int64("session_id", created.ID).
		Str("device", created.DeviceKey).
		Int("duration_minutes", created.DurationMinutes).
		Str("actor", req.Actor).
		Msg("Session started")

	payload := realtime.NewSessionPayload(*created, now)
	payload.PackageName = pkg.Name
	payload.Actor = req.Actor
	s.publish(ctx, realtime.SessionStarted, created.DeviceKey, payload)

	return s.view(created, now), nil
}

// replaceOpen force-completes every open session on the device.
func (s *Service) replaceOpen(ctx context.Context, device *storage.Device, actor string) error {
	open, err := s.store.Sessions().ListOpenForDevice(ctx, device.ID)
	if err != nil {
		return errs.Storage("list open sessions", err)
	}

	for i := range open {
		now := s.clock.Now()
		prev, ok, err := s.complete(ctx, &open[i], now, func(*storage.Session) storage.SessionStatus {
			return storage.SessionCompleted
		})
		if err != nil {
			return errs.Storage("complete replaced session", err)
		}
		if !ok {
			continue
		}

		metrics.SessionsEnded.WithLabelValues("replaced").Inc()
		s.logger.Info().Int64("session_id", prev.ID).Str("device", device.DeviceKey).Msg("Session replaced by a new start")

		payload := realtime.NewSessionPayload(*prev, now)
		payload.Reason = "replaced"
		payload.Actor = actor
		s.publish(ctx, realtime.SessionEnded, device.DeviceKey, payload)
	}
	return nil
}

// AddTime extends an active session.
func (s *Service) AddTime(ctx context.Context, req AddTimeRequest) (*View, error) {
	if req.Minutes <= 0 {
		return nil, errs.Validation("additional minutes must be greater than zero")
	}
	if req.Amount.IsNegative() {
		return nil, errs.Validation("amount cannot be negative")
	}

	current, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if current.Status != storage.SessionActive {
		return nil, errs.InvalidState("session %d is %s, time can only be added to active sessions", current.ID, current.Status)
	}

	label, pkgID, err := s.additionLabel(ctx, req, current)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	addition := storage.PackageAddition{
		PackageID:   pkgID,
		PackageName: label,
		Minutes:     req.Minutes,
		Price:       req.Amount,
		AddedBy:     req.Actor,
		CreatedAt:   now,
	}
	ok, err := s.store.Sessions().AddTime(ctx, current.ID, req.Minutes, req.Amount, addition)
	if err != nil {
		return nil, errs.Storage("add time", err)
	}
	if !ok {
		latest, err := s.load(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		if latest.Status != storage.SessionActive {
			return nil, errs.InvalidState("session %d is %s, time can only be added to active sessions", latest.ID, latest.Status)
		}
		return nil, errs.Conflict("session %d changed while adding time, retry", current.ID)
	}

	updated, err := s.load(ctx, current.ID)
	if err != nil {
		return nil, err
	}

	metrics.MinutesAdded.Add(float64(req.Minutes))
	s.logger.Info().Int64("session_id", updated.ID).Int("minutes", req.Minutes).Str("amount", req.Amount.String()).Msg("Time added")

	payload := realtime.NewSessionPayload(*updated, now)
	payload.AddedMinutes = req.Minutes
	payload.PackageName = label
	payload.Actor = req.Actor
	s.publish(ctx, realtime.SessionTimeAdded, updated.DeviceKey, payload)

	return s.view(updated, now), nil
}

// additionLabel names the package an extension is recorded under.
func (s *Service) additionLabel(ctx context.Context, req AddTimeRequest, current *storage.Session) (string, *int64, error) {
	if req.PackageID > 0 {
		pkg, err := s.packages.Get(ctx, req.PackageID)
		if err != nil {
			return "", nil, classify(err, "package %d not found", req.PackageID)
		}
		id := pkg.ID
		return pkg.Name, &id, nil
	}

	pkg, ok, err := s.packages.Closest(ctx, req.Minutes, req.Amount)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Package lookup failed, labelling with the initial package")
	}
	if ok {
		id := pkg.ID
		return pkg.Name, &id, nil
	}
	if current.PackageName != "" {
		return current.PackageName, nil, nil
	}
	return fmt.Sprintf("%d minutes", req.Minutes), nil, nil
}

// Pause freezes the clock of an active session.
func (s *Service) Pause(ctx context.Context, req PauseRequest) (*View, error) {
	if req.Reason == "" {
		req.Reason = storage.PauseOther
	}

	current, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := pausable(current); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ok, err := s.store.Sessions().Pause(ctx, current.ID, storage.PauseInfo{
		At:     now,
		Reason: req.Reason,
		Notes:  req.Notes,
		By:     req.Actor,
	})
	if err != nil {
		return nil, errs.Storage("pause session", err)
	}
	if !ok {
		return nil, s.stateError(ctx, current.ID, pausable)
	}

	updated, err := s.load(ctx, current.ID)
	if err != nil {
		return nil, err
	}

	metrics.SessionsPaused.WithLabelValues(string(req.Reason)).Inc()
	s.logger.Info().Int64("session_id", updated.ID).Str("reason", string(req.Reason)).Str("actor", req.Actor).Msg("Session paused")

	payload := realtime.NewSessionPayload(*updated, now)
	payload.Reason = string(req.Reason)
	payload.Notes = req.Notes
	payload.Actor = req.Actor
	s.publish(ctx, realtime.SessionPaused, updated.DeviceKey, payload)

	return s.view(updated, now), nil
}

// Resume restarts the clock, crediting the paused span.
func (s *Service) Resume(ctx context.Context, id int64, actor string) (*View, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := resumable(current); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	span := accounting.PauseSpanMinutes(*current.PausedAt, now)
	ok, err := s.store.Sessions().Resume(ctx, current.ID, *current.PausedAt, span, actor, now)
	if err != nil {
		return nil, errs.Storage("resume session", err)
	}
	if !ok {
		return nil, s.stateError(ctx, current.ID, resumable)
	}

	updated, err := s.load(ctx, current.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("session_id", updated.ID).Int("paused_minutes", span).Str("actor", actor).Msg("Session resumed")

	payload := realtime.NewSessionPayload(*updated, now)
	payload.Actor = actor
	s.publish(ctx, realtime.SessionResumed, updated.DeviceKey, payload)

	return s.view(updated, now), nil
}

// Stop ends an active session. Stopping a session that already ended is a no-op.
// Unpaid pay-later sessions move to pending_payment instead of completed.
func (s *Service) Stop(ctx context.Context, id int64, actor string) (*View, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if current.Status != storage.SessionActive {
		return s.view(current, now), nil
	}

	updated, ok, err := s.complete(ctx, current, now, closingStatus)
	if err != nil {
		return nil, errs.Storage("stop session", err)
	}
	if !ok {
		// Another transition ended it; whatever it left is the result.
		return s.view(updated, now), nil
	}

	metrics.SessionsEnded.WithLabelValues("stopped").Inc()
	s.logger.Info().Int64("session_id", updated.ID).Str("status", string(updated.Status)).Str("actor", actor).Msg("Session stopped")

	payload := realtime.NewSessionPayload(*updated, now)
	payload.Reason = "stopped"
	payload.Actor = actor
	s.publish(ctx, realtime.SessionEnded, updated.DeviceKey, payload)

	return s.view(updated, now), nil
}

// complete closes an open session as observed, folding any open pause into
// the total. A pause or resume that lands first moves paused_at, so the
// session is re-read and the close retried. It returns the session as stored
// and false when something else ended it.
func (s *Service) complete(ctx context.Context, observed *storage.Session, now time.Time, status func(*storage.Session) storage.SessionStatus) (*storage.Session, bool, error) {
	from := observed.Status
	current := observed
	for attempt := 0; attempt < maxCompleteAttempts; attempt++ {
		info := storage.CompleteInfo{At: now, From: from, Status: status(current), PausedAt: current.PausedAt}
		if current.PausedAt != nil {
			info.ExtraPausedMinutes = accounting.PauseSpanMinutes(*current.PausedAt, now)
		}
		ok, err := s.store.Sessions().Complete(ctx, current.ID, info)
		if err != nil {
			return nil, false, err
		}

		latest, err := s.store.Sessions().Get(ctx, current.ID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return latest, true, nil
		}
		if latest.Status != from {
			return latest, false, nil
		}
		current = latest
	}
	return nil, false, fmt.Errorf("session %d kept changing while closing", observed.ID)
}

// ConfirmPayment completes a pending_payment session.
func (s *Service) ConfirmPayment(ctx context.Context, id int64, notes, actor string) (*View, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := confirmable(current); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ok, err := s.store.Sessions().ConfirmPayment(ctx, current.ID, now, actor, notes)
	if err != nil {
		return nil, errs.Storage("confirm payment", err)
	}
	if !ok {
		return nil, s.stateError(ctx, current.ID, confirmable)
	}

	updated, err := s.load(ctx, current.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("session_id", updated.ID).Str("actor", actor).Msg("Payment confirmed")

	payload := realtime.NewSessionPayload(*updated, now)
	payload.Notes = notes
	payload.Actor = actor
	s.publish(ctx, realtime.PaymentConfirmed, updated.DeviceKey, payload)

	return s.view(updated, now), nil
}

// Cancel voids an active or pending_payment session.
func (s *Service) Cancel(ctx context.Context, id int64, actor string) (*View, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cancellable(current); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ok, err := s.store.Sessions().Cancel(ctx, current.ID, now, actor)
	if err != nil {
		return nil, errs.Storage("cancel session", err)
	}
	if !ok {
		return nil, s.stateError(ctx, current.ID, cancellable)
	}

	updated, err := s.load(ctx, current.ID)
	if err != nil {
		return nil, err
	}

	metrics.SessionsEnded.WithLabelValues("cancelled").Inc()
	s.logger.Info().Int64("session_id", updated.ID).Str("actor", actor).Msg("Session cancelled")

	payload := realtime.NewSessionPayload(*updated, now)
	payload.Actor = actor
	s.publish(ctx, realtime.SessionCancelled, updated.DeviceKey, payload)

	return s.view(updated, now), nil
}

// ActiveForDevice returns the open session of a device with its computed clock.
func (s *Service) ActiveForDevice(ctx context.Context, deviceKey string) (*View, error) {
	device, err := s.store.Devices().GetByKey(ctx, deviceKey)
	if err != nil {
		return nil, classify(err, "device %s not found", deviceKey)
	}
	open, err := s.store.Sessions().ListOpenForDevice(ctx, device.ID)
	if err != nil {
		return nil, errs.Storage("list open sessions", err)
	}

	var picked *storage.Session
	for i := range open {
		if open[i].Status == storage.SessionActive {
			picked = &open[i]
			break
		}
		if picked == nil {
			picked = &open[i]
		}
	}
	if picked == nil {
		return nil, errs.NotFound("no active session on device %s", deviceKey)
	}
	return s.view(picked, s.clock.Now()), nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, id int64) (*View, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(current, s.clock.Now()), nil
}

// List returns sessions matching filter, newest first.
func (s *Service) List(ctx context.Context, filter storage.SessionFilter) ([]View, error) {
	sessions, err := s.store.Sessions().List(ctx, filter)
	if err != nil {
		return nil, errs.Storage("list sessions", err)
	}
	now := s.clock.Now()
	views := make([]View, 0, len(sessions))
	for i := range sessions {
		views = append(views, *s.view(&sessions[i], now))
	}
	return views, nil
}

// History returns the package additions of a session, oldest first.
func (s *Service) History(ctx context.Context, id int64) ([]storage.PackageAddition, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	additions, err := s.store.Sessions().Additions(ctx, id)
	if err != nil {
		return nil, errs.Storage("list package additions", err)
	}
	return additions, nil
}

func (s *Service) load(ctx context.Context, id int64) (*storage.Session, error) {
	session, err := s.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, classify(err, "session %d not found", id)
	}
	return session, nil
}

// stateError re-reads a session after a guarded update missed and reports why.
func (s *Service) stateError(ctx context.Context, id int64, check func(*storage.Session) error) error {
	latest, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := check(latest); err != nil {
		return err
	}
	return errs.Conflict("session %d changed concurrently, retry", id)
}

func (s *Service) view(session *storage.Session, now time.Time) *View {
	t := session.Timing()
	v := &View{Session: *session}
	if session.Status == storage.SessionActive {
		v.ElapsedMinutes = accounting.BillableElapsedMinutes(t, now)
		v.RemainingMinutes = accounting.RemainingMinutes(t, now)
	} else if session.EndTime != nil {
		v.ElapsedMinutes = accounting.BillableElapsedMinutes(t, *session.EndTime)
	}
	return v
}

func (s *Service) publish(ctx context.Context, name, deviceKey string, payload any) {
	err := s.pub.Publish(ctx, realtime.Event{
		Name:      name,
		Rooms:     realtime.SessionRooms(deviceKey),
		Payload:   payload,
		Timestamp: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", name).Msg("Publish failed")
	}
}

func pausable(s *storage.Session) error {
	if s.Status != storage.SessionActive {
		return errs.InvalidState("session %d is %s, only active sessions can be paused", s.ID, s.Status)
	}
	if s.Paused() {
		return errs.InvalidState("session %d is already paused", s.ID)
	}
	return nil
}

func resumable(s *storage.Session) error {
	if s.Status != storage.SessionActive {
		return errs.InvalidState("session %d is %s, only active sessions can be resumed", s.ID, s.Status)
	}
	if !s.Paused() {
		return errs.InvalidState("session %d is not paused", s.ID)
	}
	return nil
}

func confirmable(s *storage.Session) error {
	if s.Status != storage.SessionPendingPayment {
		return errs.InvalidState("session %d is %s, payment can only be confirmed while pending", s.ID, s.Status)
	}
	return nil
}

func cancellable(s *storage.Session) error {
	if !s.Status.Open() {
		return errs.InvalidState("session %d is already %s", s.ID, s.Status)
	}
	return nil
}

// closingStatus is where a stop or expiry leaves the session.
func closingStatus(s *storage.Session) storage.SessionStatus {
	if s.PaymentType == storage.PaymentPayLater && s.PaymentConfirmedAt == nil {
		return storage.SessionPendingPayment
	}
	return storage.SessionCompleted
}

// ClosingStatus exposes the stop rule to the expiry sweep.
func ClosingStatus(s storage.Session) storage.SessionStatus {
	return closingStatus(&s)
}

// classify maps storage.ErrNotFound to a NotFound error and anything else to Storage.
func classify(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.NotFound(format, args...)
	}
	return errs.Storage(fmt.Sprintf(format, args...), err)
}
