// Package events carries observer notifications from the gateway,
// dispatcher and scheduler to dashboards, MQTT and other sinks.
package events

import (
	"log/slog"
	"sync"
	"time"

	"relay-sync/internal/store"
)

// Event types
const (
	DeviceStateChanged  = "device_state_changed"
	DeviceConnected     = "device_connected"
	DeviceDisconnected  = "device_disconnected"
	DeviceToggleBlocked = "device_toggle_blocked"
	SwitchResult        = "switch_result"
	SecurityAlert       = "security_alert"
	MotionDetected      = "motion_detected"
	Activity            = "activity"
)

// Sources of a state change.
const (
	SourceDevice    = "device"
	SourceUser      = "user"
	SourceSchedule  = "schedule"
	SourceWatchdog  = "watchdog"
	SourceReconcile = "reconcile"
	SourceGateway   = "gateway"
)

// Event is one observer notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StateChange is the payload of DeviceStateChanged. Seq increases
// monotonically per device for the lifetime of the process.
type StateChange struct {
	DeviceID string        `json:"deviceId"`
	State    *store.Device `json:"state"`
	TS       time.Time     `json:"ts"`
	Seq      int64         `json:"seq"`
	Source   string        `json:"source"`
}

// Connection is the payload of DeviceConnected and DeviceDisconnected.
type Connection struct {
	DeviceID string `json:"deviceId"`
	IP       string `json:"ip,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Toggle is the payload of DeviceToggleBlocked and SwitchResult.
type Toggle struct {
	DeviceID  string `json:"deviceId"`
	SwitchID  string `json:"switchId,omitempty"`
	GPIO      int    `json:"gpio"`
	Requested bool   `json:"requestedState"`
	Actual    *bool  `json:"actualState,omitempty"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Seq       int64  `json:"seq"`
}

// Motion is the payload of MotionDetected.
type Motion struct {
	DeviceID string    `json:"deviceId"`
	At       time.Time `json:"at"`
}

// Handler is a callback for events.
type Handler func(Event)

// Publisher is what producers depend on.
type Publisher interface {
	Emit(Event)
	NextSeq(mac string) int64
}

// Bus provides pub/sub for observer events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger

	seqMu sync.Mutex
	seqs  map[string]int64
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
		seqs:        make(map[string]int64),
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *Bus) On(eventType string, handler Handler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]Handler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *Bus) OnAll(handler Handler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *Bus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]Handler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// NextSeq returns the next outbound event sequence number for a device.
func (eb *Bus) NextSeq(mac string) int64 {
	eb.seqMu.Lock()
	defer eb.seqMu.Unlock()
	eb.seqs[mac]++
	return eb.seqs[mac]
}

// PublishState emits a DeviceStateChanged carrying the full device record.
func PublishState(p Publisher, dev *store.Device, source string, ts time.Time) {
	p.Emit(Event{Type: DeviceStateChanged, Data: StateChange{
		DeviceID: dev.MAC,
		State:    dev,
		TS:       ts,
		Seq:      p.NextSeq(dev.MAC),
		Source:   source,
	}})
}

// AlertStore is the subset of the registry needed to persist alerts.
type AlertStore interface {
	AppendAlert(a *store.SecurityAlert) error
}

// RaiseAlert persists a and emits SecurityAlert. The event is emitted even
// when persisting fails so observers still see it.
func RaiseAlert(p Publisher, st AlertStore, a *store.SecurityAlert) error {
	err := st.AppendAlert(a)
	p.Emit(Event{Type: SecurityAlert, Data: a})
	return err
}
