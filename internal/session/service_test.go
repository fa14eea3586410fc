package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/tvbill/internal/catalog"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

type fixture struct {
	store  *sqlstore.Store
	clock  *clock.Test
	events *realtime.Recorder
	svc    *Service
	device *storage.Device
	hour   *storage.Package
	half   *storage.Package
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstore.Open(config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tvbill.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:  store,
		clock:  clock.NewTest(t0),
		events: &realtime.Recorder{},
		device: &storage.Device{DeviceKey: "tv-01", Name: "TV 1", Location: "Hall", CreatedAt: t0},
		hour:   &storage.Package{Name: "1 hour", DurationMinutes: 60, Price: decimal.RequireFromString("20000")},
		half:   &storage.Package{Name: "30 minutes", DurationMinutes: 30, Price: decimal.RequireFromString("10000")},
	}
	if err := store.Devices().Register(ctx, f.device); err != nil {
		t.Fatalf("register device: %v", err)
	}
	for _, p := range []*storage.Package{f.hour, f.half} {
		if err := store.Packages().Create(ctx, p); err != nil {
			t.Fatalf("create package: %v", err)
		}
	}

	f.svc = New(store, catalog.New(store.Packages(), 16, time.Minute), f.events, f.clock, zerolog.Nop())
	return f
}

func (f *fixture) start(t *testing.T, payment storage.PaymentType) *View {
	t.Helper()
	v, err := f.svc.Start(context.Background(), StartRequest{
		DeviceID:     f.device.ID,
		CustomerName: "Rafi",
		PackageID:    f.hour.ID,
		PaymentType:  payment,
		Actor:        "cashier",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return v
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"missing device", StartRequest{PackageID: f.hour.ID}, errs.ErrValidation},
		{"missing package", StartRequest{DeviceID: f.device.ID}, errs.ErrValidation},
		{"bad payment type", StartRequest{DeviceID: f.device.ID, PackageID: f.hour.ID, PaymentType: "credit"}, errs.ErrValidation},
		{"unknown device", StartRequest{DeviceID: 999, PackageID: f.hour.ID}, errs.ErrNotFound},
		{"unknown package", StartRequest{DeviceID: f.device.ID, PackageID: 999}, errs.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Start(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := len(f.events.Events()); n != 0 {
		t.Fatalf("expected no events from rejected starts, got %d", n)
	}
}

func TestStartPublishesAndReplacesOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.start(t, storage.PaymentPrepaid)
	if first.Status != storage.SessionActive || first.RemainingMinutes != 60 || first.PackageName != "1 hour" {
		t.Fatalf("unexpected first session: %+v", first)
	}
	started := f.events.Named(realtime.SessionStarted)
	if len(started) != 1 {
		t.Fatalf("expected one session_started, got %d", len(started))
	}
	if rooms := started[0].Rooms; len(rooms) != 4 || rooms[3] != realtime.DeviceRoom("tv-01") {
		t.Fatalf("unexpected rooms %v", rooms)
	}

	f.clock.Advance(10 * time.Minute)
	second := f.start(t, storage.PaymentPrepaid)
	if second.ID == first.ID {
		t.Fatal("expected a new session")
	}

	old, err := f.svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if old.Status != storage.SessionCompleted || old.EndTime == nil || !old.EndTime.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("expected replaced session completed at start of the new one, got %+v", old)
	}

	ended := f.events.Named(realtime.SessionEnded)
	if len(ended) != 1 {
		t.Fatalf("expected one session_ended, got %d", len(ended))
	}
	if p := ended[0].Payload.(realtime.SessionPayload); p.Reason != "replaced" || p.SessionID != first.ID {
		t.Fatalf("unexpected session_ended payload %+v", p)
	}

	active, err := f.svc.ActiveForDevice(ctx, "tv-01")
	if err != nil {
		t.Fatalf("active for device: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("expected session %d to be active, got %d", second.ID, active.ID)
	}
}

func TestPauseResumeKeepsRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPrepaid)

	f.clock.Advance(12 * time.Minute)
	paused, err := f.svc.Pause(ctx, PauseRequest{SessionID: v.ID, Reason: storage.PausePrayerTime, Actor: "cashier"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !paused.Paused() || paused.RemainingMinutes != 48 {
		t.Fatalf("expected paused with 48 remaining, got %+v", paused)
	}

	if _, err := f.svc.Pause(ctx, PauseRequest{SessionID: v.ID}); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected double pause to be invalid, got %v", err)
	}

	f.clock.Advance(18 * time.Minute)
	during, err := f.svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if during.RemainingMinutes != 48 {
		t.Fatalf("expected frozen clock at 48, got %d", during.RemainingMinutes)
	}

	resumed, err := f.svc.Resume(ctx, v.ID, "cashier")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Paused() || resumed.PausedDurationMinutes != 18 || resumed.RemainingMinutes != 48 {
		t.Fatalf("expected 18 paused minutes and 48 remaining, got %+v", resumed)
	}

	if _, err := f.svc.Resume(ctx, v.ID, "cashier"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected resume of running session to be invalid, got %v", err)
	}
	if len(f.events.Named(realtime.SessionPaused)) != 1 || len(f.events.Named(realtime.SessionResumed)) != 1 {
		t.Fatalf("unexpected events %+v", f.events.Events())
	}
}

func TestParsePauseReason(t *testing.T) {
	tests := []struct {
		raw     string
		want    storage.PauseReason
		wantErr bool
	}{
		{"", storage.PauseOther, false},
		{"Prayer_Time", storage.PausePrayerTime, false},
		{"power_outage", storage.PausePowerOutage, false},
		{"lunch", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePauseReason(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParsePauseReason(%q) = %q, %v", tt.raw, got, err)
		}
	}
}

func TestStopFoldsOpenPauseAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPrepaid)

	f.clock.Advance(20 * time.Minute)
	if _, err := f.svc.Pause(ctx, PauseRequest{SessionID: v.ID, Actor: "cashier"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.clock.Advance(5 * time.Minute)

	stopped, err := f.svc.Stop(ctx, v.ID, "cashier")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != storage.SessionCompleted || stopped.Paused() || stopped.PausedDurationMinutes != 5 {
		t.Fatalf("unexpected stopped session %+v", stopped)
	}

	again, err := f.svc.Stop(ctx, v.ID, "cashier")
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if again.Status != storage.SessionCompleted {
		t.Fatalf("expected completed, got %s", again.Status)
	}
	if n := len(f.events.Named(realtime.SessionEnded)); n != 1 {
		t.Fatalf("expected one session_ended, got %d", n)
	}

	if _, err := f.svc.Pause(ctx, PauseRequest{SessionID: v.ID}); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected pause of completed session to be invalid, got %v", err)
	}
	if _, err := f.svc.Stop(ctx, 999, "cashier"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// hookedStore runs before once ahead of the next session close.
type hookedStore struct {
	*sqlstore.Store
	sessions *hookedSessions
}

func (h *hookedStore) Sessions() storage.SessionStore { return h.sessions }

type hookedSessions struct {
	storage.SessionStore
	before func(id int64)
}

func (h *hookedSessions) Complete(ctx context.Context, id int64, info storage.CompleteInfo) (bool, error) {
	if fn := h.before; fn != nil {
		h.before = nil
		fn(id)
	}
	return h.SessionStore.Complete(ctx, id, info)
}

func TestStopAfterConcurrentResumeCountsPauseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPrepaid)

	f.clock.Advance(12 * time.Minute)
	if _, err := f.svc.Pause(ctx, PauseRequest{SessionID: v.ID, Actor: "cashier"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.clock.Advance(18 * time.Minute)

	hooked := &hookedStore{Store: f.store, sessions: &hookedSessions{SessionStore: f.store.Sessions()}}
	svc := New(hooked, catalog.New(f.store.Packages(), 16, time.Minute), f.events, f.clock, zerolog.Nop())
	hooked.sessions.before = func(id int64) {
		if _, err := svc.Resume(ctx, id, "supervisor"); err != nil {
			t.Fatalf("resume: %v", err)
		}
	}

	stopped, err := svc.Stop(ctx, v.ID, "cashier")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != storage.SessionCompleted || stopped.Paused() || stopped.PausedDurationMinutes != 18 {
		t.Fatalf("unexpected stopped session %+v", stopped)
	}

	got, err := f.store.Sessions().Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PausedDurationMinutes != 18 {
		t.Fatalf("expected 18 paused minutes, got %d", got.PausedDurationMinutes)
	}
	if n := len(f.events.Named(realtime.SessionResumed)); n != 1 {
		t.Fatalf("expected one session_resumed, got %d", n)
	}
	if n := len(f.events.Named(realtime.SessionEnded)); n != 1 {
		t.Fatalf("expected one session_ended, got %d", n)
	}
}

func TestPayLaterNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPayLater)

	if _, err := f.svc.ConfirmPayment(ctx, v.ID, "", "cashier"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected confirm of active session to be invalid, got %v", err)
	}

	f.clock.Advance(45 * time.Minute)
	stopped, err := f.svc.Stop(ctx, v.ID, "cashier")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != storage.SessionPendingPayment {
		t.Fatalf("expected pending_payment, got %s", stopped.Status)
	}

	pending, err := f.svc.ActiveForDevice(ctx, "tv-01")
	if err != nil || pending.ID != v.ID {
		t.Fatalf("expected pending session to still occupy the device, got %+v, %v", pending, err)
	}

	confirmed, err := f.svc.ConfirmPayment(ctx, v.ID, "cash", "cashier")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != storage.SessionCompleted || confirmed.PaymentConfirmedBy != "cashier" || confirmed.PaymentNotes != "cash" {
		t.Fatalf("unexpected confirmed session %+v", confirmed)
	}
	if len(f.events.Named(realtime.PaymentConfirmed)) != 1 {
		t.Fatal("expected payment_confirmed event")
	}

	if _, err := f.svc.ActiveForDevice(ctx, "tv-01"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected no active session, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPrepaid)

	cancelled, err := f.svc.Cancel(ctx, v.ID, "manager")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != storage.SessionCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := f.svc.Cancel(ctx, v.ID, "manager"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected second cancel to be invalid, got %v", err)
	}
	if len(f.events.Named(realtime.SessionCancelled)) != 1 {
		t.Fatal("expected session_cancelled event")
	}
}

func TestAddTimeLabelsWithMatchingPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPrepaid)
	f.clock.Advance(50 * time.Minute)

	extended, err := f.svc.AddTime(ctx, AddTimeRequest{
		SessionID: v.ID,
		Minutes:   30,
		Amount:    decimal.RequireFromString("10000"),
		Actor:     "cashier",
	})
	if err != nil {
		t.Fatalf("add time: %v", err)
	}
	if extended.DurationMinutes != 90 || !extended.AmountPaid.Equal(decimal.RequireFromString("30000")) || extended.RemainingMinutes != 40 {
		t.Fatalf("unexpected extended session %+v", extended)
	}

	// An unmatched extension falls back to the initial package name.
	if _, err := f.svc.AddTime(ctx, AddTimeRequest{SessionID: v.ID, Minutes: 7, Amount: decimal.RequireFromString("2500")}); err != nil {
		t.Fatalf("add time: %v", err)
	}

	history, err := f.svc.History(ctx, v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []struct {
		name string
		typ  storage.AdditionType
	}{
		{"1 hour", storage.AdditionInitial},
		{"30 minutes", storage.AdditionAdditional},
		{"1 hour", storage.AdditionAdditional},
	}
	if len(history) != len(want) {
		t.Fatalf("expected %d additions, got %d", len(want), len(history))
	}
	for i, w := range want {
		if history[i].PackageName != w.name || history[i].Type != w.typ {
			t.Fatalf("addition %d = %s/%s, want %s/%s", i, history[i].PackageName, history[i].Type, w.name, w.typ)
		}
	}

	added := f.events.Named(realtime.SessionTimeAdded)
	if len(added) != 2 || added[0].Payload.(realtime.SessionPayload).AddedMinutes != 30 {
		t.Fatalf("unexpected session_time_added events %+v", added)
	}

	if _, err := f.svc.AddTime(ctx, AddTimeRequest{SessionID: v.ID, Minutes: 0}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Stop(ctx, v.ID, "cashier"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := f.svc.AddTime(ctx, AddTimeRequest{SessionID: v.ID, Minutes: 30}); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected invalid state after stop, got %v", err)
	}
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.start(t, storage.PaymentPrepaid)

	tea := &storage.Product{Name: "Tea", Price: decimal.RequireFromString("5000"), Stock: 2}
	if err := f.store.Orders().CreateProduct(ctx, tea); err != nil {
		t.Fatalf("create product: %v", err)
	}

	order, err := f.svc.CreateOrder(ctx, OrderRequest{
		SessionID: v.ID,
		Items:     []OrderLine{{ProductID: tea.ID, Quantity: 2}},
		Actor:     "cashier",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.Total.Equal(decimal.RequireFromString("10000")) || order.Status != "pending" {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(f.events.Named(realtime.OrderCreated)) != 1 {
		t.Fatal("expected order_created event")
	}

	tests := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"no items", OrderRequest{SessionID: v.ID}, errs.ErrValidation},
		{"zero quantity", OrderRequest{SessionID: v.ID, Items: []OrderLine{{ProductID: tea.ID}}}, errs.ErrValidation},
		{"out of stock", OrderRequest{SessionID: v.ID, Items: []OrderLine{{ProductID: tea.ID, Quantity: 1}}}, errs.ErrConflict},
		{"unknown product", OrderRequest{SessionID: v.ID, Items: []OrderLine{{ProductID: 999, Quantity: 1}}}, errs.ErrNotFound},
		{"unknown session", OrderRequest{SessionID: 999, Items: []OrderLine{{ProductID: tea.ID, Quantity: 1}}}, errs.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateOrder(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	orders, err := f.svc.Orders(ctx, v.ID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
}

func TestOrderNumber(t *testing.T) {
	id := uuid.UUID{0, 1, 2, 35, 36}
	if got := OrderNumber(1700000000000, id); got != "TV-1700000000000-012Z0" {
		t.Fatalf("unexpected order number %q", got)
	}
}
