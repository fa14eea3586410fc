package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
)

type staticLister []storage.Session

func (l staticLister) ListActive(context.Context) ([]storage.Session, error) {
	return l, nil
}

func TestTickerPublishesCountdownAndWarnsOnce(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	clk := clock.NewTest(t0.Add(55 * time.Minute))
	rec := &Recorder{}
	sessions := staticLister{{
		ID:              1,
		DeviceID:        3,
		DeviceKey:       "tv-3",
		CustomerName:    "Rafi",
		DurationMinutes: 60,
		StartTime:       t0,
		Status:          storage.SessionActive,
	}}
	ticker := NewTicker(sessions, rec, clk, []int{5, 1}, zerolog.Nop())

	if err := ticker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	timers := rec.Named(TimerUpdate)
	if len(timers) != 1 {
		t.Fatalf("expected one timer update, got %d", len(timers))
	}
	payload := timers[0].Payload.(TimerPayload)
	if payload.RemainingMinutes != 5 || payload.TimeDisplay != "00:05:00" {
		t.Fatalf("unexpected timer payload: %+v", payload)
	}
	if timers[0].Rooms[0] != DeviceRoom("tv-3") {
		t.Fatalf("expected device room, got %v", timers[0].Rooms)
	}
	if len(rec.Named(SessionWarning)) != 1 {
		t.Fatal("expected a five minute warning")
	}
	if len(rec.Named(ActiveSessionsUpdate)) != 1 {
		t.Fatal("expected an active sessions board update")
	}

	clk.Advance(30 * time.Second)
	if err := ticker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(rec.Named(SessionWarning)) != 1 {
		t.Fatal("expected the five minute warning not to repeat")
	}

	clk.Set(t0.Add(59 * time.Minute))
	if err := ticker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	warnings := rec.Named(SessionWarning)
	if len(warnings) != 2 || warnings[1].Payload.(WarningPayload).RemainingMinutes != 1 {
		t.Fatalf("expected a one minute warning, got %+v", warnings)
	}
}

func TestTickerSkipsWarningsForPausedSessions(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	pausedAt := t0.Add(55 * time.Minute)
	clk := clock.NewTest(t0.Add(80 * time.Minute))
	rec := &Recorder{}
	sessions := staticLister{{ID: 2, DeviceKey: "tv-5", DurationMinutes: 60, StartTime: t0, PausedAt: &pausedAt}}

	ticker := NewTicker(sessions, rec, clk, []int{5}, zerolog.Nop())
	if err := ticker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(rec.Named(SessionWarning)) != 0 {
		t.Fatal("paused sessions should not be warned")
	}
	if got := rec.Named(TimerUpdate)[0].Payload.(TimerPayload); !got.Paused || got.RemainingMinutes != 5 {
		t.Fatalf("expected frozen countdown, got %+v", got)
	}
}

func TestTickerQuietWithoutSessions(t *testing.T) {
	rec := &Recorder{}
	ticker := NewTicker(staticLister(nil), rec, clock.NewTest(time.Now()), []int{5}, zerolog.Nop())
	if err := ticker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("expected no events, got %d", len(rec.Events()))
	}
}
