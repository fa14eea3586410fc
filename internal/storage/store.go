package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("storage: conflicting record")

// ErrInsufficientStock is returned when an order line cannot be reserved.
var ErrInsufficientStock = errors.New("storage: insufficient stock")

// Store represents the root storage interface.
// Conditional transitions report whether they applied; a false result with a
// nil error means the row was not in the expected state.
type Store interface {
	Close() error
	Devices() DeviceStore
	Packages() PackageStore
	Sessions() SessionStore
	Orders() OrderStore
	Discoveries() DiscoveryStore
}

// DeviceStore manages registered TV devices.
type DeviceStore interface {
	Get(ctx context.Context, id int64) (*Device, error)
	GetByKey(ctx context.Context, key string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	// Register inserts the device, or revives a soft-deleted row with the same key.
	Register(ctx context.Context, device *Device) error
	// Touch records a presence signal and returns the status before the update.
	Touch(ctx context.Context, key string, update DeviceUpdate, at time.Time) (DeviceStatus, error)
	// MarkOffline flips an online device to offline.
	MarkOffline(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkOnline(ctx context.Context, id int64, at time.Time) error
	// ListSilent returns active devices not yet offline whose last heartbeat is missing or older than cutoff.
	ListSilent(ctx context.Context, cutoff time.Time) ([]Device, error)
	SoftDelete(ctx context.Context, key string, at time.Time) error
}

// PackageStore reads the billing package catalog.
type PackageStore interface {
	Get(ctx context.Context, id int64) (*Package, error)
	List(ctx context.Context) ([]Package, error)
	Create(ctx context.Context, pkg *Package) error
}

// SessionStore manages billing sessions and their package log.
type SessionStore interface {
	// Create inserts the session and its initial package addition atomically.
	Create(ctx context.Context, session *Session, initial PackageAddition) error
	Get(ctx context.Context, id int64) (*Session, error)
	List(ctx context.Context, filter SessionFilter) ([]Session, error)
	ListOpenForDevice(ctx context.Context, deviceID int64) ([]Session, error)
	ListActive(ctx context.Context) ([]Session, error)
	// ListActiveOnSilentDevices returns unpaused active sessions whose device heartbeat is missing or older than cutoff.
	ListActiveOnSilentDevices(ctx context.Context, cutoff time.Time) ([]Session, error)
	ListCompletedSince(ctx context.Context, since time.Time) ([]Session, error)
	AddTime(ctx context.Context, id int64, minutes int, amount decimal.Decimal, addition PackageAddition) (bool, error)
	Pause(ctx context.Context, id int64, info PauseInfo) (bool, error)
	// Resume clears the pause that started at pausedAt and credits spanMinutes.
	Resume(ctx context.Context, id int64, pausedAt time.Time, spanMinutes int, by string, at time.Time) (bool, error)
	Complete(ctx context.Context, id int64, info CompleteInfo) (bool, error)
	ConfirmPayment(ctx context.Context, id int64, at time.Time, by, notes string) (bool, error)
	Cancel(ctx context.Context, id int64, at time.Time, by string) (bool, error)
	Additions(ctx context.Context, sessionID int64) ([]PackageAddition, error)
}

// OrderStore manages products and session F&B orders.
type OrderStore interface {
	CreateProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	// Create prices the items, reserves stock and inserts the order in one
	// transaction. It fails with ErrInsufficientStock without side effects.
	Create(ctx context.Context, order *SessionOrder) error
	ListForSession(ctx context.Context, sessionID int64) ([]SessionOrder, error)
}

// DiscoveryStore manages device discovery records.
type DiscoveryStore interface {
	Create(ctx context.Context, record *DiscoveryRecord) error
	Get(ctx context.Context, id int64) (*DiscoveryRecord, error)
	List(ctx context.Context) ([]DiscoveryRecord, error)
	ListPending(ctx context.Context) ([]DiscoveryRecord, error)
	Approve(ctx context.Context, id int64, at time.Time, by string) (bool, error)
	Reject(ctx context.Context, id int64, at time.Time, by, reason string) (bool, error)
	// DeleteStalePending removes pending records unseen since cutoff that no registered device shares a key with.
	DeleteStalePending(ctx context.Context, cutoff time.Time) (int, error)
	DeleteRejectedBefore(ctx context.Context, cutoff time.Time) (int, error)
	// DeleteApprovedBefore removes records approved before cutoff whose device is registered.
	DeleteApprovedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Delete(ctx context.Context, ids []int64) (int, error)
}
