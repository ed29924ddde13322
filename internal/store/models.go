package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Switch types.
const (
	TypeLight     = "light"
	TypeFan       = "fan"
	TypeAC        = "ac"
	TypeProjector = "projector"
	TypeOutlet    = "outlet"
	TypeOther     = "other"
)

// Switch categories used by bulk operations.
const (
	CategoryLighting = "lighting"
	CategoryClimate  = "climate"
	CategoryOther    = "other"
)

// Manual input modes.
const (
	ManualMaintained = "maintained"
	ManualMomentary  = "momentary"
)

// ErrInvalidDevice wraps every validation failure from Device.Validate.
var ErrInvalidDevice = errors.New("invalid device")

// Device is a remote relay controller. Secret is persisted separately and
// never serialized with the device document.
type Device struct {
	MAC           string         `json:"mac"`
	IPAddress     string         `json:"ip_address,omitempty"`
	Name          string         `json:"name"`
	Location      string         `json:"location,omitempty"`
	Classroom     string         `json:"classroom,omitempty"`
	Status        string         `json:"status"`
	LastSeen      time.Time      `json:"last_seen"`
	Switches      []Switch       `json:"switches"`
	Motion        *MotionSensor  `json:"motion,omitempty"`
	QueuedIntents []QueuedIntent `json:"queued_intents,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Secret        string         `json:"-"`
}

// Switch is one relay output on a device.
type Switch struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Type            string       `json:"type"`
	GPIO            int          `json:"gpio"`
	State           bool         `json:"state"`
	LastStateChange time.Time    `json:"last_state_change"`
	DontAutoOff     bool         `json:"dont_auto_off,omitempty"`
	Manual          *ManualInput `json:"manual,omitempty"`
}

// ManualInput is an optional wall switch wired to a device input pin.
type ManualInput struct {
	GPIO      int    `json:"gpio"`
	Mode      string `json:"mode"`
	ActiveLow bool   `json:"active_low"`
}

// MotionSensor is an optional PIR sensor attached to a device.
type MotionSensor struct {
	Enabled      bool          `json:"enabled"`
	GPIO         int           `json:"gpio"`
	AutoOffDelay time.Duration `json:"auto_off_delay,omitempty"`
	LastMotionAt time.Time     `json:"last_motion_at,omitempty"`
}

// QueuedIntent is a desired switch state recorded while the device was offline.
type QueuedIntent struct {
	GPIO     int       `json:"gpio"`
	State    bool      `json:"state"`
	QueuedAt time.Time `json:"queued_at"`
}

// Category maps a switch type to its bulk-operation category.
func (sw *Switch) Category() string {
	switch sw.Type {
	case TypeLight:
		return CategoryLighting
	case TypeFan, TypeAC:
		return CategoryClimate
	default:
		return CategoryOther
	}
}

// SwitchByID returns a pointer into d.Switches, or nil.
func (d *Device) SwitchByID(id string) *Switch {
	for i := range d.Switches {
		if d.Switches[i].ID == id {
			return &d.Switches[i]
		}
	}
	return nil
}

// SwitchByGPIO returns the switch driving the given control pin, or nil.
func (d *Device) SwitchByGPIO(gpio int) *Switch {
	for i := range d.Switches {
		if d.Switches[i].GPIO == gpio {
			return &d.Switches[i]
		}
	}
	return nil
}

// Online reports whether the device status is online.
func (d *Device) Online() bool { return d.Status == StatusOnline }

// UpsertIntent records a queued intent for gpio, replacing any earlier one.
func (d *Device) UpsertIntent(in QueuedIntent) {
	for i := range d.QueuedIntents {
		if d.QueuedIntents[i].GPIO == in.GPIO {
			d.QueuedIntents[i] = in
			return
		}
	}
	d.QueuedIntents = append(d.QueuedIntents, in)
}

// isReservedGPIO reports pins wired to the module's SPI flash.
func isReservedGPIO(pin int) bool { return pin >= 6 && pin <= 11 }

// Validate checks the address format and that no pin is used twice across
// control and manual-input roles.
func (d *Device) Validate() error {
	mac, err := NormalizeMAC(d.MAC)
	if err != nil {
		return err
	}
	if mac != d.MAC {
		return fmt.Errorf("%w: mac %q not normalized", ErrInvalidDevice, d.MAC)
	}
	used := make(map[int]string)
	claim := func(pin int, role string) error {
		if pin < 0 || pin > 39 {
			return fmt.Errorf("%w: %s pin %d out of range", ErrInvalidDevice, role, pin)
		}
		if isReservedGPIO(pin) {
			return fmt.Errorf("%w: %s pin %d is reserved", ErrInvalidDevice, role, pin)
		}
		if prev, ok := used[pin]; ok {
			return fmt.Errorf("%w: pin %d used by %s and %s", ErrInvalidDevice, pin, prev, role)
		}
		used[pin] = role
		return nil
	}
	ids := make(map[string]bool)
	for _, sw := range d.Switches {
		if sw.ID == "" {
			return fmt.Errorf("%w: switch %q has no id", ErrInvalidDevice, sw.Name)
		}
		if ids[sw.ID] {
			return fmt.Errorf("%w: duplicate switch id %q", ErrInvalidDevice, sw.ID)
		}
		ids[sw.ID] = true
		if err := claim(sw.GPIO, "switch "+sw.ID); err != nil {
			return err
		}
		if sw.Manual != nil {
			if sw.Manual.Mode != ManualMaintained && sw.Manual.Mode != ManualMomentary {
				return fmt.Errorf("%w: switch %s manual mode %q", ErrInvalidDevice, sw.ID, sw.Manual.Mode)
			}
			if err := claim(sw.Manual.GPIO, "manual "+sw.ID); err != nil {
				return err
			}
		}
	}
	if d.Motion != nil && d.Motion.Enabled {
		if err := claim(d.Motion.GPIO, "motion"); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeMAC converts a hardware address to upper-case colon form.
// Accepts colon, dash or bare hex notation.
func NormalizeMAC(s string) (string, error) {
	hex := strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(s))
	if len(hex) != 12 {
		return "", fmt.Errorf("%w: mac %q", ErrInvalidDevice, s)
	}
	hex = strings.ToUpper(hex)
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		c0, c1 := hex[i], hex[i+1]
		if !isHex(c0) || !isHex(c1) {
			return "", fmt.Errorf("%w: mac %q", ErrInvalidDevice, s)
		}
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteByte(c0)
		b.WriteByte(c1)
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

// Schedule recurrence types.
const (
	ScheduleDaily  = "daily"
	ScheduleWeekly = "weekly"
	ScheduleOnce   = "once"
)

// Schedule actions.
const (
	ActionOn  = "on"
	ActionOff = "off"
)

// SwitchRef addresses a switch by device address and switch id.
type SwitchRef struct {
	Device string `json:"device" yaml:"device"`
	Switch string `json:"switch" yaml:"switch"`
}

// Schedule is a time-based automation rule.
type Schedule struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Enabled        bool        `json:"enabled"`
	Type           string      `json:"type"`
	Time           string      `json:"time"`
	Days           []int       `json:"days,omitempty"`
	Date           string      `json:"date,omitempty"`
	Action         string      `json:"action"`
	Switches       []SwitchRef `json:"switches"`
	TimeoutMinutes int         `json:"timeout_minutes,omitempty"`
	CheckHolidays  bool        `json:"check_holidays,omitempty"`
	RespectMotion  bool        `json:"respect_motion,omitempty"`
	LastRun        time.Time   `json:"last_run,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Alert types and severities.
const (
	AlertMotionOverride  = "motion_override"
	AlertTimeoutExceeded = "timeout_exceeded"
	AlertDeviceOffline   = "device_offline"

	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// SecurityAlert is an append-only operator notification. Only the
// acknowledgement fields change after creation.
type SecurityAlert struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Severity       string            `json:"severity"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedAt time.Time         `json:"acknowledged_at,omitempty"`
}

// Activity sources.
const (
	SourceDevice   = "device"
	SourceUser     = "user"
	SourceSchedule = "schedule"
	SourceWatchdog = "watchdog"
)

// Activity is one entry of the switch activity log.
type Activity struct {
	ID     string    `json:"id"`
	Device string    `json:"device"`
	Switch string    `json:"switch"`
	Action string    `json:"action"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}
