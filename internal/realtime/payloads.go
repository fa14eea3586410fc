package realtime

import (
	"time"

	"github.com/goodtune/tvbill/internal/accounting"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/shopspring/decimal"
)

// SessionRooms is where session lifecycle events go: floor staff plus the TV itself.
func SessionRooms(deviceKey string) []string {
	return []string{RoomAdmin, RoomManager, RoomCashier, DeviceRoom(deviceKey)}
}

// SessionPayload describes a session transition.
type SessionPayload struct {
	SessionID        int64                 `json:"session_id"`
	DeviceID         int64                 `json:"device_id"`
	DeviceKey        string                `json:"device_key"`
	DeviceName       string                `json:"device_name"`
	CustomerName     string                `json:"customer_name"`
	Status           storage.SessionStatus `json:"status"`
	PaymentType      storage.PaymentType   `json:"payment_type"`
	DurationMinutes  int                   `json:"duration_minutes"`
	RemainingMinutes int                   `json:"remaining_minutes"`
	PausedMinutes    int                   `json:"paused_duration_minutes"`
	AmountPaid       decimal.Decimal       `json:"amount_paid"`
	Reason           string                `json:"reason,omitempty"`
	Notes            string                `json:"notes,omitempty"`
	Actor            string                `json:"actor,omitempty"`
	AddedMinutes     int                   `json:"added_minutes,omitempty"`
	PackageName      string                `json:"package_name,omitempty"`
}

// NewSessionPayload snapshots s at now.
func NewSessionPayload(s storage.Session, now time.Time) SessionPayload {
	return SessionPayload{
		SessionID:        s.ID,
		DeviceID:         s.DeviceID,
		DeviceKey:        s.DeviceKey,
		DeviceName:       s.DeviceName,
		CustomerName:     s.CustomerName,
		Status:           s.Status,
		PaymentType:      s.PaymentType,
		DurationMinutes:  s.DurationMinutes,
		RemainingMinutes: accounting.RemainingMinutes(s.Timing(), now),
		PausedMinutes:    s.PausedDurationMinutes,
		AmountPaid:       s.AmountPaid,
	}
}

// ExpiredPayload is sent when the expiry sweep closes a session.
type ExpiredPayload struct {
	SessionID      int64                 `json:"session_id"`
	DeviceID       int64                 `json:"device_id"`
	DeviceKey      string                `json:"device_key"`
	DeviceName     string                `json:"device_name"`
	DeviceLocation string                `json:"device_location"`
	CustomerName   string                `json:"customer_name"`
	Status         storage.SessionStatus `json:"status"`
	OverdueMinutes int                   `json:"overdue_minutes"`
	ExpiredAt      time.Time             `json:"expired_at"`
}

// DeviceStatusPayload reports a presence transition.
type DeviceStatusPayload struct {
	DeviceID  int64                `json:"device_id"`
	DeviceKey string               `json:"device_key"`
	Name      string               `json:"device_name"`
	OldStatus storage.DeviceStatus `json:"old_status"`
	NewStatus storage.DeviceStatus `json:"new_status"`
	Reason    string               `json:"reason"`
}

// DevicePayload describes a registered device.
type DevicePayload struct {
	DeviceID  int64  `json:"device_id"`
	DeviceKey string `json:"device_key"`
	Name      string `json:"device_name"`
	Location  string `json:"location,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// NewDevicePayload snapshots d.
func NewDevicePayload(d storage.Device) DevicePayload {
	return DevicePayload{
		DeviceID:  d.ID,
		DeviceKey: d.DeviceKey,
		Name:      d.Name,
		Location:  d.Location,
		IPAddress: d.IPAddress,
	}
}
