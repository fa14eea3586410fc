// Package realtime fans session and device events out to websocket clients,
// other tvbill instances (Redis) and downstream consumers (Kafka).
package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Event names.
const (
	SessionStarted       = "session_started"
	SessionTimeAdded     = "session_time_added"
	SessionPaused        = "session_paused"
	SessionResumed       = "session_resumed"
	SessionEnded         = "session_ended"
	SessionCancelled     = "session_cancelled"
	PaymentConfirmed     = "payment_confirmed"
	SessionExpired       = "sessionExpired"
	DeviceStatusChanged  = "device_status_changed"
	DeviceAutoRegistered = "device_auto_registered"
	DeviceUpdated        = "device_updated"
	DeviceDeleted        = "device_deleted"
	DiscoveryApproved    = "discovery_approved"
	DiscoveryRejected    = "discovery_rejected"
	DiscoveryCleanupDone = "discovery_cleanup_completed"
	OrderCreated         = "order_created"
	TimerUpdate          = "timer_update"
	SessionWarning       = "session_warning"
	ActiveSessionsUpdate = "active_sessions_update"
	pongEvent            = "pong"
)

// Rooms clients can join.
const (
	RoomAdmin   = "role:admin"
	RoomManager = "role:manager"
	RoomCashier = "role:cashier"
	RoomDevice  = "role:device"
)

// RoleRoom is the room for staff holding role.
func RoleRoom(role string) string {
	return "role:" + strings.ToLower(role)
}

// DeviceRoom is the room a single TV joins.
func DeviceRoom(deviceKey string) string {
	return "device:" + deviceKey
}

// StaffRooms returns the rooms of the roles that supervise the floor.
func StaffRooms() []string {
	return []string{RoomAdmin, RoomManager}
}

// Event is one realtime notification. An event with no rooms goes to every client.
type Event struct {
	Name      string    `json:"event"`
	Rooms     []string  `json:"rooms,omitempty"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// deviceKey returns the key of the first device room, if any.
func (e Event) deviceKey() string {
	for _, room := range e.Rooms {
		if key, ok := strings.CutPrefix(room, "device:"); ok {
			return key
		}
	}
	return ""
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Fanout publishes to several publishers and joins their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the published events called name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
