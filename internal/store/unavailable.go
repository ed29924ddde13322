package store

// Unavailable is the Store used when no database could be opened.
// Every operation fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) SaveDevice(*Device) error { return ErrUnavailable }
func (Unavailable) GetDevice(string) (*Device, error) { return nil, ErrUnavailable }
func (Unavailable) DeleteDevice(string) error { return ErrUnavailable }
func (Unavailable) ListDevices() ([]*Device, error) { return nil, ErrUnavailable }
func (Unavailable) SaveSchedule(*Schedule) error { return ErrUnavailable }
func (Unavailable) GetSchedule(string) (*Schedule, error) { return nil, ErrUnavailable }
func (Unavailable) DeleteSchedule(string) error { return ErrUnavailable }
func (Unavailable) ListSchedules() ([]*Schedule, error) { return nil, ErrUnavailable }
func (Unavailable) AppendAlert(*SecurityAlert) error { return ErrUnavailable }
func (Unavailable) AppendActivity(*Activity) error { return ErrUnavailable }
func (Unavailable) ReadOnly() bool { return true }
func (Unavailable) Close() error { return nil }

func (Unavailable) UpdateDevice(string, func(*Device) error) (*Device, error) {
	return nil, ErrUnavailable
}

func (Unavailable) UpdateSchedule(string, func(*Schedule) error) (*Schedule, error) {
	return nil, ErrUnavailable
}

func (Unavailable) ListAlerts(int, bool) ([]*SecurityAlert, error) { return nil, ErrUnavailable }

func (Unavailable) AcknowledgeAlert(string) (*SecurityAlert, error) { return nil, ErrUnavailable }

func (Unavailable) ListActivity(string, int) ([]*Activity, error) { return nil, ErrUnavailable }
