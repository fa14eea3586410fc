package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

type fixture struct {
	store  *sqlstore.Store
	clock  *clock.Test
	events *realtime.Recorder
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.Open(config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tvbill.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, clock: clock.NewTest(t0), events: &realtime.Recorder{}}
	f.svc = New(store, f.events, f.clock, Thresholds{}, zerolog.Nop())
	return f
}

func (f *fixture) record(t *testing.T, key string, seen time.Time) *storage.DiscoveryRecord {
	t.Helper()
	r := &storage.DiscoveryRecord{DeviceKey: key, DeviceName: "TV " + key, IPAddress: "10.0.0.9", LastSeen: seen}
	if err := f.store.Discoveries().Create(context.Background(), r); err != nil {
		t.Fatalf("create discovery: %v", err)
	}
	return r
}

func TestCollapseDuplicates(t *testing.T) {
	approvedAt := t0
	tests := []struct {
		name     string
		records  []storage.DiscoveryRecord
		wantKeep []int64
		wantDrop []int64
	}{
		{
			name:    "empty",
			records: nil,
		},
		{
			name: "latest last_seen wins",
			records: []storage.DiscoveryRecord{
				{ID: 1, DeviceKey: "a", LastSeen: t0.Add(5 * time.Minute)},
				{ID: 2, DeviceKey: "a", LastSeen: t0},
				{ID: 3, DeviceKey: "b", LastSeen: t0},
			},
			wantKeep: []int64{1, 3},
			wantDrop: []int64{2},
		},
		{
			name: "tie broken by id",
			records: []storage.DiscoveryRecord{
				{ID: 4, DeviceKey: "a", LastSeen: t0},
				{ID: 7, DeviceKey: "a", LastSeen: t0},
				{ID: 5, DeviceKey: "a", LastSeen: t0},
			},
			wantKeep: []int64{7},
			wantDrop: []int64{4, 5},
		},
		{
			name: "resolved records are never dropped",
			records: []storage.DiscoveryRecord{
				{ID: 1, DeviceKey: "a", LastSeen: t0, ApprovedAt: &approvedAt},
				{ID: 2, DeviceKey: "a", LastSeen: t0.Add(-time.Hour)},
			},
			wantKeep: []int64{1, 2},
		},
	}
	ids := func(rs []storage.DiscoveryRecord) []int64 {
		var out []int64
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}
	equal := func(a, b []int64) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, drop := CollapseDuplicates(tt.records)
			if !equal(ids(keep), tt.wantKeep) || !equal(ids(drop), tt.wantDrop) {
				t.Fatalf("keep=%v drop=%v, want keep=%v drop=%v", ids(keep), ids(drop), tt.wantKeep, tt.wantDrop)
			}
		})
	}
}

func TestStalePendingGracePeriod(t *testing.T) {
	tests := []struct {
		name      string
		threshold time.Duration
		wantGone  bool
	}{
		{"ten minutes", 10 * time.Minute, true},
		{"one day", 24 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			r := f.record(t, "tv-ghost", t0)
			f.clock.Set(t0.Add(15 * time.Minute))

			result, err := f.svc.Cleanup(ctx, ModeStale, tt.threshold)
			if err != nil {
				t.Fatalf("cleanup: %v", err)
			}
			_, err = f.store.Discoveries().Get(ctx, r.ID)
			gone := errors.Is(err, storage.ErrNotFound)
			if gone != tt.wantGone || (result.StalePending == 1) != tt.wantGone {
				t.Fatalf("gone=%v result=%+v, want gone=%v", gone, result, tt.wantGone)
			}
		})
	}
}

func TestStalePendingOfRemovedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Announce(ctx, Announcement{DeviceKey: "tv-gone", Name: "Gone"}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := f.svc.RemoveDevice(ctx, "tv-gone", "admin"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	r := f.record(t, "tv-gone", t0)
	f.clock.Set(t0.Add(15 * time.Minute))

	result, err := f.svc.Cleanup(ctx, ModeStale, 10*time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.StalePending != 1 {
		t.Fatalf("expected one stale record removed, got %+v", result)
	}
	if _, err := f.store.Discoveries().Get(ctx, r.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected record to be gone, got %v", err)
	}
}

func TestFullCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Announce(ctx, Announcement{DeviceKey: "tv-known", Name: "Known"}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	f.record(t, "tv-known", t0)
	rejected := f.record(t, "tv-spam", t0)
	if err := f.svc.Reject(ctx, rejected.ID, "spam", "admin"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	older := f.record(t, "tv-dup", t0.Add(-time.Minute))
	newest := f.record(t, "tv-dup", t0)

	// Day one: only the pre-approved record is past its grace period.
	f.clock.Set(t0.Add(25 * time.Hour))
	f.record(t, "tv-dup", t0.Add(25*time.Hour-time.Minute))
	result, err := f.svc.Cleanup(ctx, ModeFull, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.OldApproved != 1 || result.OldRejected != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	// Stale pending records for unregistered keys are pruned, then the
	// remaining fresh duplicate is the only tv-dup left.
	for _, id := range []int64{older.ID, newest.ID} {
		if _, err := f.store.Discoveries().Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected record %d removed, got %v", id, err)
		}
	}
	// The pending record for the registered key survives the stale rule.
	pending, err := f.svc.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	keys := map[string]int{}
	for _, r := range pending {
		keys[r.DeviceKey]++
	}
	if keys["tv-known"] != 1 || keys["tv-dup"] != 1 {
		t.Fatalf("unexpected pending records %v", keys)
	}

	f.clock.Set(t0.Add(8 * 24 * time.Hour))
	result, err = f.svc.Cleanup(ctx, ModeFull, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.OldRejected != 1 {
		t.Fatalf("expected rejected record removed after a week, got %+v", result)
	}
	if len(f.events.Named(realtime.DiscoveryCleanupDone)) != 2 {
		t.Fatal("expected a cleanup event per run")
	}
}

func TestCleanupCollapsesFreshDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, "tv-dup", t0)
	keep := f.record(t, "tv-dup", t0.Add(time.Minute))
	f.record(t, "tv-dup", t0.Add(30*time.Second))

	f.clock.Set(t0.Add(2 * time.Minute))
	result, err := f.svc.Cleanup(ctx, ModeAggressive, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.StalePending != 0 || result.Duplicates != 2 || result.Threshold != 5*time.Minute {
		t.Fatalf("unexpected result %+v", result)
	}
	pending, err := f.svc.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != keep.ID {
		t.Fatalf("expected only record %d left, got %+v", keep.ID, pending)
	}
}

func TestAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	device, created, err := f.svc.Announce(ctx, Announcement{DeviceKey: "tv-01", Name: "TV 1", Type: "android_tv", IPAddress: "10.0.0.2"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !created || device.Status != storage.DeviceOnline || device.LastHeartbeat == nil {
		t.Fatalf("unexpected first announce %+v created=%v", device, created)
	}
	records, err := f.store.Discoveries().List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ApprovedBy != "system" || records[0].DeviceType != "android_tv" {
		t.Fatalf("expected pre-approved audit record, got %+v", records)
	}

	f.clock.Advance(time.Minute)
	device, created, err = f.svc.Announce(ctx, Announcement{DeviceKey: "tv-01", Name: "Lounge", Location: "Lounge", IPAddress: "10.0.0.3"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if created || device.Name != "Lounge" || device.Location != "Lounge" || device.IPAddress != "10.0.0.3" {
		t.Fatalf("unexpected refresh %+v created=%v", device, created)
	}

	if len(f.events.Named(realtime.DeviceAutoRegistered)) != 1 || len(f.events.Named(realtime.DeviceUpdated)) != 1 {
		t.Fatalf("unexpected events %+v", f.events.Events())
	}

	if _, _, err := f.svc.Announce(ctx, Announcement{DeviceKey: "tv-02"}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.record(t, "tv-05", t0)
	second := f.record(t, "tv-06", t0)

	device, err := f.svc.Approve(ctx, first.ID, ApproveRequest{Name: "Corner TV", Location: "Corner", Actor: "admin"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if device.DeviceKey != "tv-05" || device.Name != "Corner TV" || device.Location != "Corner" {
		t.Fatalf("unexpected device %+v", device)
	}
	if _, err := f.store.Devices().GetByKey(ctx, "tv-05"); err != nil {
		t.Fatalf("expected registered device: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"approve twice", func() error { _, err := f.svc.Approve(ctx, first.ID, ApproveRequest{}); return err }, errs.ErrInvalidState},
		{"reject approved", func() error { return f.svc.Reject(ctx, first.ID, "no", "admin") }, errs.ErrInvalidState},
		{"reject pending", func() error { return f.svc.Reject(ctx, second.ID, "unknown", "admin") }, nil},
		{"reject twice", func() error { return f.svc.Reject(ctx, second.ID, "unknown", "admin") }, errs.ErrInvalidState},
		{"approve missing", func() error { _, err := f.svc.Approve(ctx, 999, ApproveRequest{}); return err }, errs.ErrNotFound},
	}
	for _, tt := range tests {
		if err := tt.run(); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

type failingDevices struct {
	storage.DeviceStore
}

func (failingDevices) Register(context.Context, *storage.Device) error {
	return errors.New("disk full")
}

type failingRegisterStore struct {
	*sqlstore.Store
}

func (s failingRegisterStore) Devices() storage.DeviceStore {
	return failingDevices{DeviceStore: s.Store.Devices()}
}

func TestApproveLeavesRecordPendingWhenRegisterFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.record(t, "tv-07", t0)

	svc := New(failingRegisterStore{Store: f.store}, f.events, f.clock, Thresholds{}, zerolog.Nop())
	if _, err := svc.Approve(ctx, r.ID, ApproveRequest{Actor: "admin"}); !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}

	got, err := f.store.Discoveries().Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ApprovedAt != nil {
		t.Fatalf("expected record to stay pending, got %+v", got)
	}
	if len(f.events.Named(realtime.DiscoveryApproved)) != 0 {
		t.Fatal("unexpected discovery_approved event")
	}

	if _, err := f.svc.Approve(ctx, r.ID, ApproveRequest{Actor: "admin"}); err != nil {
		t.Fatalf("approve after recovery: %v", err)
	}
	if _, err := f.store.Devices().GetByKey(ctx, "tv-07"); err != nil {
		t.Fatalf("expected registered device: %v", err)
	}
}

func TestRemoveDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	device, _, err := f.svc.Announce(ctx, Announcement{DeviceKey: "tv-01", Name: "TV 1"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}

	s := &storage.Session{DeviceID: device.ID, DurationMinutes: 60, AmountPaid: decimal.Zero, StartTime: t0}
	if err := f.store.Sessions().Create(ctx, s, storage.PackageAddition{PackageName: "1 hour", Minutes: 60}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := f.svc.RemoveDevice(ctx, "tv-01", "admin"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict while a session is open, got %v", err)
	}

	if ok, err := f.store.Sessions().Complete(ctx, s.ID, storage.CompleteInfo{At: t0.Add(time.Hour)}); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	if err := f.svc.RemoveDevice(ctx, "tv-01", "admin"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.svc.RemoveDevice(ctx, "tv-01", "admin"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found after removal, got %v", err)
	}
	if len(f.events.Named(realtime.DeviceDeleted)) != 1 {
		t.Fatal("expected device_deleted event")
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, "tv-a", t0.Add(-12*time.Minute))
	f.record(t, "tv-a", t0.Add(-6*time.Minute))
	f.record(t, "tv-b", t0)

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 3, Pending: 3, Stale5Min: 2, Stale10Min: 1, Duplicates: 1, GeneratedAt: t0}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}
