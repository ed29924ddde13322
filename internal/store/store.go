package store

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly is returned by writes when the store runs in limited mode.
	ErrReadOnly = errors.New("store is read-only")
	// ErrUnavailable is returned by every operation when no database could be opened.
	ErrUnavailable = errors.New("store unavailable")
	// ErrSecretExists is returned when a different secret is already set for a device.
	ErrSecretExists = errors.New("device secret already set")
)

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(mac string) (*Device, error)
	DeleteDevice(mac string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction and returns the saved copy. Returns ErrNotFound if the
	// device does not exist. If fn returns an error nothing is written.
	UpdateDevice(mac string, fn func(dev *Device) error) (*Device, error)

	// Schedules
	SaveSchedule(s *Schedule) error
	GetSchedule(id string) (*Schedule, error)
	DeleteSchedule(id string) error
	ListSchedules() ([]*Schedule, error)
	UpdateSchedule(id string, fn func(s *Schedule) error) (*Schedule, error)

	// Alerts are append-only apart from acknowledgement.
	AppendAlert(a *SecurityAlert) error
	ListAlerts(limit int, unackedOnly bool) ([]*SecurityAlert, error)
	AcknowledgeAlert(id string) (*SecurityAlert, error)

	// Activity log
	AppendActivity(a *Activity) error
	ListActivity(mac string, limit int) ([]*Activity, error)

	// ReadOnly reports whether the store is in limited mode.
	ReadOnly() bool

	// Close the store
	Close() error
}
