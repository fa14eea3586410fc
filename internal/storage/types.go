package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/accounting"
	"github.com/shopspring/decimal"
)

// DeviceStatus is the presence state of a TV device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// SessionStatus is the lifecycle state of a billing session.
// Pausing is not a status: a session is paused while PausedAt is set.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionPendingPayment SessionStatus = "pending_payment"
	SessionCompleted      SessionStatus = "completed"
	SessionCancelled      SessionStatus = "cancelled"
)

// Open reports whether the session still occupies its device.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionPendingPayment
}

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case SessionActive, SessionPendingPayment, SessionCompleted, SessionCancelled:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", raw)
	}
}

// PaymentType tells whether a session was paid up front.
type PaymentType string

const (
	PaymentPrepaid  PaymentType = "prepaid"
	PaymentPayLater PaymentType = "pay_later"
)

// PauseReason classifies why a session clock was stopped.
type PauseReason string

const (
	PauseOther           PauseReason = "other"
	PausePrayerTime      PauseReason = "prayer_time"
	PausePowerOutage     PauseReason = "power_outage"
	PauseCustomerRequest PauseReason = "customer_request"
	PauseDeviceOffline   PauseReason = "device_offline"
)

// AdditionType tags an entry in the package addition log.
type AdditionType string

const (
	AdditionInitial    AdditionType = "initial"
	AdditionAdditional AdditionType = "additional"
)

// Device is a registered TV terminal.
type Device struct {
	ID            int64        `json:"id"`
	DeviceKey     string       `json:"device_key"`
	Name          string       `json:"name"`
	Location      string       `json:"location"`
	IPAddress     string       `json:"ip_address"`
	Status        DeviceStatus `json:"status"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	Active        bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// DeviceUpdate carries the mutable fields a device reports about itself.
// Nil pointers leave the stored value unchanged.
type DeviceUpdate struct {
	Name      *string
	Location  *string
	IPAddress *string
}

// Package is a billing package from the catalog.
type Package struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	DurationMinutes int             `json:"duration_minutes"`
	Price           decimal.Decimal `json:"price"`
	Active          bool            `json:"is_active"`
}

// Session is one billing period on one device.
type Session struct {
	ID                    int64           `json:"id"`
	DeviceID              int64           `json:"device_id"`
	DeviceKey             string          `json:"device_key"`
	DeviceName            string          `json:"device_name"`
	DeviceLocation        string          `json:"device_location"`
	CustomerName          string          `json:"customer_name"`
	PackageID             int64           `json:"package_id"`
	PackageName           string          `json:"package_name"`
	DurationMinutes       int             `json:"duration_minutes"`
	AmountPaid            decimal.Decimal `json:"amount_paid"`
	PaymentType           PaymentType     `json:"payment_type"`
	Status                SessionStatus   `json:"status"`
	StartTime             time.Time       `json:"start_time"`
	EndTime               *time.Time      `json:"end_time,omitempty"`
	PausedAt              *time.Time      `json:"paused_at,omitempty"`
	PausedDurationMinutes int             `json:"paused_duration_minutes"`
	PauseReason           PauseReason     `json:"pause_reason,omitempty"`
	PauseNotes            string          `json:"pause_notes,omitempty"`
	PausedBy              string          `json:"paused_by,omitempty"`
	ResumedBy             string          `json:"resumed_by,omitempty"`
	PaymentConfirmedAt    *time.Time      `json:"payment_confirmed_at,omitempty"`
	PaymentConfirmedBy    string          `json:"payment_confirmed_by,omitempty"`
	PaymentNotes          string          `json:"payment_notes,omitempty"`
	CreatedBy             string          `json:"created_by"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Paused reports whether the session clock is frozen.
func (s Session) Paused() bool {
	return s.PausedAt != nil
}

// Timing returns the fields time accounting needs.
func (s Session) Timing() accounting.Timing {
	return accounting.Timing{
		Start:                 s.StartTime,
		DurationMinutes:       s.DurationMinutes,
		PausedDurationMinutes: s.PausedDurationMinutes,
		PausedAt:              s.PausedAt,
	}
}

// PackageAddition is one entry of the append-only package log of a session.
type PackageAddition struct {
	ID          int64           `json:"id"`
	SessionID   int64           `json:"session_id"`
	PackageID   *int64          `json:"package_id,omitempty"`
	PackageName string          `json:"package_name"`
	Minutes     int             `json:"minutes"`
	Price       decimal.Decimal `json:"price"`
	Type        AdditionType    `json:"type"`
	AddedBy     string          `json:"added_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Status   SessionStatus
	DeviceID int64
	Limit    int
	Offset   int
}

// PauseInfo records a pause transition.
type PauseInfo struct {
	At     time.Time
	Reason PauseReason
	Notes  string
	By     string
}

// CompleteInfo records a stop or expiry transition.
type CompleteInfo struct {
	At time.Time
	// From is the status the session must be in; empty means SessionActive.
	From SessionStatus
	// Status is SessionCompleted or SessionPendingPayment.
	Status SessionStatus
	// PausedAt is the pause the caller observed; nil requires the session
	// to be running. The transition fails if paused_at has moved since.
	PausedAt *time.Time
	// ExtraPausedMinutes folds the pause at PausedAt into the total.
	ExtraPausedMinutes int
}

// Product is a sellable F&B item.
type Product struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// OrderItem is a line of a session order.
type OrderItem struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// SessionOrder is an F&B order placed against a session.
type SessionOrder struct {
	ID          int64           `json:"id"`
	OrderNumber string          `json:"order_number"`
	SessionID   int64           `json:"session_id"`
	Items       []OrderItem     `json:"items"`
	Total       decimal.Decimal `json:"total"`
	Status      string          `json:"status"`
	OrderedBy   string          `json:"ordered_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DiscoveryRecord is an observed device announcement.
type DiscoveryRecord struct {
	ID           int64      `json:"id"`
	DeviceKey    string     `json:"device_key"`
	DeviceName   string     `json:"device_name"`
	DeviceType   string     `json:"device_type"`
	Metadata     string     `json:"metadata,omitempty"`
	IPAddress    string     `json:"ip_address"`
	LastSeen     time.Time  `json:"last_seen"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	RejectedBy   string     `json:"rejected_by,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Pending reports whether the record is neither approved nor rejected.
func (d DiscoveryRecord) Pending() bool {
	return d.ApprovedAt == nil && d.RejectedAt == nil
}
