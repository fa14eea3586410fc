// Package expiry closes sessions whose purchased time has run out.
package expiry

import (
	"context"
	"time"

	"github.com/goodtune/tvbill/internal/accounting"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/session"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
)

// Expired is a session closed by the sweep.
type Expired struct {
	Session        storage.Session `json:"session"`
	OverdueMinutes int             `json:"overdue_minutes"`
}

// Sweeper completes expired sessions.
type Sweeper struct {
	store  storage.Store
	pub    realtime.Publisher
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates an expiry sweeper.
func New(store storage.Store, pub realtime.Publisher, clk clock.Clock, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		pub:    pub,
		clock:  clk,
		logger: logger.With().Str("component", "expiry").Logger(),
	}
}

// Sweep completes every unpaused active session that has consumed more than
// its duration. Paused sessions are never touched.
func (s *Sweeper) Sweep(ctx context.Context) ([]Expired, error) {
	sessions, err := s.store.Sessions().ListActive(ctx)
	if err != nil {
		return nil, errs.Storage("list active sessions", err)
	}

	now := s.clock.Now()
	var expired []Expired
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		t := sess.Timing()
		if !accounting.Expired(t, now) {
			continue
		}

		overdue := accounting.OverdueMinutes(accounting.ConsumedMinutes(t, now), sess.DurationMinutes)
		ok, err := s.store.Sessions().Complete(ctx, sess.ID, storage.CompleteInfo{
			At:     now,
			Status: session.ClosingStatus(sess),
		})
		if err != nil {
			s.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("Failed to expire session")
			continue
		}
		if !ok {
			// Paused or stopped since it was listed.
			continue
		}

		sess.Status = session.ClosingStatus(sess)
		sess.EndTime = &now
		expired = append(expired, Expired{Session: sess, OverdueMinutes: overdue})
		metrics.SessionsEnded.WithLabelValues("expired").Inc()

		s.logger.Info().
			Int64("session_id", sess.ID).
			Str("device", sess.DeviceKey).
			Int("overdue_minutes", overdue).
			Msg("Session expired")

		err = s.pub.Publish(ctx, realtime.Event{
			Name:  realtime.SessionExpired,
			Rooms: expiryRooms(sess.DeviceKey),
			Payload: realtime.ExpiredPayload{
				SessionID:      sess.ID,
				DeviceID:       sess.DeviceID,
				DeviceKey:      sess.DeviceKey,
				DeviceName:     sess.DeviceName,
				DeviceLocation: sess.DeviceLocation,
				CustomerName:   sess.CustomerName,
				Status:         sess.Status,
				OverdueMinutes: overdue,
				ExpiredAt:      now,
			},
			Timestamp: now,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("session_id", sess.ID).Msg("Publish failed")
		}
	}
	return expired, nil
}

// Run adapts Sweep to a scheduler task.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Recent lists sessions closed since since that ran past their duration.
func (s *Sweeper) Recent(ctx context.Context, since time.Time) ([]Expired, error) {
	sessions, err := s.store.Sessions().ListCompletedSince(ctx, since)
	if err != nil {
		return nil, errs.Storage("list completed sessions", err)
	}

	var out []Expired
	for _, sess := range sessions {
		if sess.EndTime == nil {
			continue
		}
		consumed := accounting.ConsumedMinutes(sess.Timing(), *sess.EndTime)
		if consumed <= float64(sess.DurationMinutes) {
			continue
		}
		out = append(out, Expired{
			Session:        sess,
			OverdueMinutes: accounting.OverdueMinutes(consumed, sess.DurationMinutes),
		})
	}
	return out, nil
}

func expiryRooms(deviceKey string) []string {
	return []string{realtime.RoomAdmin, realtime.RoomManager, realtime.RoomDevice, realtime.DeviceRoom(deviceKey)}
}
