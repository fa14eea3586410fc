package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/goodtune/tvbill/internal/accounting"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
)

// SessionLister is the part of the session store the ticker reads.
type SessionLister interface {
	ListActive(ctx context.Context) ([]storage.Session, error)
}

// TimerPayload is the countdown pushed to a device.
type TimerPayload struct {
	SessionID        int64  `json:"session_id"`
	DeviceID         int64  `json:"device_id"`
	DeviceKey        string `json:"device_key"`
	CustomerName     string `json:"customer_name"`
	RemainingMinutes int    `json:"remaining_minutes"`
	TimeDisplay      string `json:"time_display"`
	Paused           bool   `json:"paused"`
}

// WarningPayload tells a device its session is about to run out.
type WarningPayload struct {
	SessionID        int64  `json:"session_id"`
	DeviceKey        string `json:"device_key"`
	Message          string `json:"message"`
	RemainingMinutes int    `json:"remaining_minutes"`
}

// Ticker pushes countdowns, low-time warnings and the active session board.
type Ticker struct {
	sessions SessionLister
	pub      Publisher
	clock    clock.Clock
	warnAt   map[int]bool
	logger   zerolog.Logger

	mu     sync.Mutex
	warned map[int64]int
}

// NewTicker creates a ticker that warns at each of warningMinutes.
func NewTicker(sessions SessionLister, pub Publisher, clk clock.Clock, warningMinutes []int, logger zerolog.Logger) *Ticker {
	warnAt := make(map[int]bool, len(warningMinutes))
	for _, m := range warningMinutes {
		if m > 0 {
			warnAt[m] = true
		}
	}
	return &Ticker{
		sessions: sessions,
		pub:      pub,
		clock:    clk,
		warnAt:   warnAt,
		warned:   make(map[int64]int),
		logger:   logger.With().Str("component", "ticker").Logger(),
	}
}

// Tick publishes one round of updates.
func (t *Ticker) Tick(ctx context.Context) error {
	sessions, err := t.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	if len(sessions) == 0 {
		t.forget(nil)
		return nil
	}

	now := t.clock.Now()
	board := make([]TimerPayload, 0, len(sessions))
	live := make(map[int64]struct{}, len(sessions))

	for _, s := range sessions {
		live[s.ID] = struct{}{}
		remaining := accounting.RemainingMinutes(s.Timing(), now)
		timer := TimerPayload{
			SessionID:        s.ID,
			DeviceID:         s.DeviceID,
			DeviceKey:        s.DeviceKey,
			CustomerName:     s.CustomerName,
			RemainingMinutes: remaining,
			TimeDisplay:      accounting.FormatClock(remaining),
			Paused:           s.Paused(),
		}
		board = append(board, timer)

		t.publish(ctx, Event{
			Name:      TimerUpdate,
			Rooms:     []string{DeviceRoom(s.DeviceKey)},
			Payload:   timer,
			Timestamp: now,
		})

		if !s.Paused() && t.shouldWarn(s.ID, remaining) {
			t.publish(ctx, Event{
				Name:  SessionWarning,
				Rooms: []string{DeviceRoom(s.DeviceKey), RoomAdmin, RoomManager},
				Payload: WarningPayload{
					SessionID:        s.ID,
					DeviceKey:        s.DeviceKey,
					Message:          warningMessage(remaining),
					RemainingMinutes: remaining,
				},
				Timestamp: now,
			})
		}
	}

	t.publish(ctx, Event{
		Name:      ActiveSessionsUpdate,
		Rooms:     StaffRooms(),
		Payload:   board,
		Timestamp: now,
	})
	t.forget(live)
	return nil
}

// shouldWarn reports a warning threshold hit for the first time.
func (t *Ticker) shouldWarn(sessionID int64, remaining int) bool {
	if !t.warnAt[remaining] {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.warned[sessionID]; ok && last == remaining {
		return false
	}
	t.warned[sessionID] = remaining
	return true
}

// forget drops warning state for sessions no longer active.
func (t *Ticker) forget(live map[int64]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.warned {
		if _, ok := live[id]; !ok {
			delete(t.warned, id)
		}
	}
}

func (t *Ticker) publish(ctx context.Context, e Event) {
	if err := t.pub.Publish(ctx, e); err != nil {
		t.logger.Warn().Err(err).Str("event", e.Name).Msg("Publish failed")
	}
}

func warningMessage(remaining int) string {
	if remaining == 1 {
		return "1 minute remaining!"
	}
	return fmt.Sprintf("%d minutes remaining!", remaining)
}
