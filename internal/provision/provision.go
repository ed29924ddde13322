// Package provision loads device and schedule definitions from YAML files
// into the registry.
package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"relay-sync/internal/schedule"
	"relay-sync/internal/store"
)

// File is one provisioning document.
type File struct {
	Devices   []DeviceDef   `yaml:"devices"`
	Schedules []ScheduleDef `yaml:"schedules"`
}

type DeviceDef struct {
	MAC       string      `yaml:"mac"`
	Name      string      `yaml:"name"`
	Location  string      `yaml:"location"`
	Classroom string      `yaml:"classroom"`
	Secret    string      `yaml:"secret"`
	Switches  []SwitchDef `yaml:"switches"`
	Motion    *MotionDef  `yaml:"motion"`
}

type SwitchDef struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Type        string     `yaml:"type"`
	GPIO        int        `yaml:"gpio"`
	DontAutoOff bool       `yaml:"dont_auto_off"`
	Manual      *ManualDef `yaml:"manual"`
}

type ManualDef struct {
	GPIO      int    `yaml:"gpio"`
	Mode      string `yaml:"mode"`
	ActiveLow bool   `yaml:"active_low"`
}

type MotionDef struct {
	Enabled      bool          `yaml:"enabled"`
	GPIO         int           `yaml:"gpio"`
	AutoOffDelay time.Duration `yaml:"auto_off_delay"`
}

type ScheduleDef struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Enabled        *bool             `yaml:"enabled"`
	Type           string            `yaml:"type"`
	Time           string            `yaml:"time"`
	Days           []int             `yaml:"days"`
	Date           string            `yaml:"date"`
	Action         string            `yaml:"action"`
	Switches       []store.SwitchRef `yaml:"switches"`
	TimeoutMinutes int               `yaml:"timeout_minutes"`
	CheckHolidays  bool              `yaml:"check_holidays"`
	RespectMotion  bool              `yaml:"respect_motion"`
}

// Summary counts what Apply wrote.
type Summary struct {
	DevicesCreated   int
	DevicesUpdated   int
	SchedulesWritten int
}

// Load reads path, which is either a YAML file or a directory of *.yaml
// and *.yml files merged in name order.
func Load(path string, logger *slog.Logger) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		yamls, err := filepath.Glob(filepath.Join(path, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", path, err)
		}
		ymls, err := filepath.Glob(filepath.Join(path, "*.yml"))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", path, err)
		}
		files = append(yamls, ymls...)
		sort.Strings(files)
		if len(files) == 0 {
			logger.Info("no provisioning files found", "dir", path)
		}
	}

	var out File
	for _, p := range files {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		out.Devices = append(out.Devices, f.Devices...)
		out.Schedules = append(out.Schedules, f.Schedules...)
		logger.Info("loaded provisioning file", "path", filepath.Base(p),
			"devices", len(f.Devices), "schedules", len(f.Schedules))
	}
	return &out, nil
}

// Apply writes every definition to st. Devices are validated before
// anything is written. Re-provisioning an existing device keeps its live
// state: status, switch positions, queued intents and the stored secret.
// Switches without an id keep the id of the existing switch on the same
// GPIO, or get a new uuid. Schedules without an id get one derived from
// their name.
func Apply(st store.Store, f *File, logger *slog.Logger) (Summary, error) {
	var sum Summary
	devices := make([]*store.Device, 0, len(f.Devices))
	seen := make(map[string]bool)
	for i, def := range f.Devices {
		mac, err := store.NormalizeMAC(def.MAC)
		if err != nil {
			return sum, fmt.Errorf("device %d: %w", i, err)
		}
		if seen[mac] {
			return sum, fmt.Errorf("device %s defined twice", mac)
		}
		seen[mac] = true

		existing, err := st.GetDevice(mac)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return sum, fmt.Errorf("device %s: %w", mac, err)
		}
		if existing != nil && existing.Secret != "" && def.Secret != "" && existing.Secret != def.Secret {
			return sum, fmt.Errorf("device %s: %w", mac, store.ErrSecretExists)
		}
		dev := merge(def, mac, existing)
		if err := dev.Validate(); err != nil {
			return sum, fmt.Errorf("device %s: %w", mac, err)
		}
		devices = append(devices, dev)
	}

	schedules := make([]*store.Schedule, 0, len(f.Schedules))
	for i, def := range f.Schedules {
		s := def.toSchedule()
		if err := schedule.Validate(s); err != nil {
			return sum, fmt.Errorf("schedule %d (%s): %w", i, def.Name, err)
		}
		for j, ref := range s.Switches {
			mac, err := store.NormalizeMAC(ref.Device)
			if err != nil {
				return sum, fmt.Errorf("schedule %s: %w", def.Name, err)
			}
			s.Switches[j].Device = mac
		}
		if s.ID == "" {
			s.ID = stableID(s.Name)
		}
		if s.ID != "" {
			if prev, err := st.GetSchedule(s.ID); err == nil {
				s.CreatedAt = prev.CreatedAt
				s.LastRun = prev.LastRun
			}
		}
		schedules = append(schedules, s)
	}

	for _, dev := range devices {
		created := dev.CreatedAt.IsZero()
		if err := st.SaveDevice(dev); err != nil {
			return sum, fmt.Errorf("save device %s: %w", dev.MAC, err)
		}
		if created {
			sum.DevicesCreated++
		} else {
			sum.DevicesUpdated++
		}
		logger.Info("provisioned device", "mac", dev.MAC, "name", dev.Name, "switches", len(dev.Switches), "new", created)
	}
	for _, s := range schedules {
		if err := st.SaveSchedule(s); err != nil {
			return sum, fmt.Errorf("save schedule %s: %w", s.Name, err)
		}
		sum.SchedulesWritten++
		logger.Info("provisioned schedule", "id", s.ID, "name", s.Name)
	}
	return sum, nil
}

func merge(def DeviceDef, mac string, existing *store.Device) *store.Device {
	dev := &store.Device{
		MAC:       mac,
		Name:      def.Name,
		Location:  def.Location,
		Classroom: def.Classroom,
		Status:    store.StatusOffline,
		Secret:    def.Secret,
	}
	if existing != nil {
		dev.IPAddress = existing.IPAddress
		dev.Status = existing.Status
		dev.LastSeen = existing.LastSeen
		dev.QueuedIntents = existing.QueuedIntents
		dev.CreatedAt = existing.CreatedAt
		if dev.Secret == "" {
			dev.Secret = existing.Secret
		}
	}

	for _, sd := range def.Switches {
		sw := store.Switch{
			ID:          sd.ID,
			Name:        sd.Name,
			Type:        sd.Type,
			GPIO:        sd.GPIO,
			DontAutoOff: sd.DontAutoOff,
		}
		if sw.Type == "" {
			sw.Type = store.TypeOther
		}
		if sd.Manual != nil {
			sw.Manual = &store.ManualInput{GPIO: sd.Manual.GPIO, Mode: sd.Manual.Mode, ActiveLow: sd.Manual.ActiveLow}
		}
		var prev *store.Switch
		if existing != nil {
			if sw.ID != "" {
				prev = existing.SwitchByID(sw.ID)
			} else {
				prev = existing.SwitchByGPIO(sw.GPIO)
			}
		}
		if prev != nil {
			if sw.ID == "" {
				sw.ID = prev.ID
			}
			sw.State = prev.State
			sw.LastStateChange = prev.LastStateChange
		}
		if sw.ID == "" {
			sw.ID = uuid.NewString()
		}
		dev.Switches = append(dev.Switches, sw)
	}

	if def.Motion != nil {
		dev.Motion = &store.MotionSensor{
			Enabled:      def.Motion.Enabled,
			GPIO:         def.Motion.GPIO,
			AutoOffDelay: def.Motion.AutoOffDelay,
		}
		if existing != nil && existing.Motion != nil {
			dev.Motion.LastMotionAt = existing.Motion.LastMotionAt
		}
	}
	return dev
}

// stableID derives a schedule id from its name so re-provisioning a file
// without ids updates schedules in place.
func stableID(name string) string {
	if name == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("relay-sync/schedule/"+name)).String()
}

func (d ScheduleDef) toSchedule() *store.Schedule {
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	return &store.Schedule{
		ID:             d.ID,
		Name:           d.Name,
		Enabled:        enabled,
		Type:           d.Type,
		Time:           d.Time,
		Days:           d.Days,
		Date:           d.Date,
		Action:         d.Action,
		Switches:       append([]store.SwitchRef(nil), d.Switches...),
		TimeoutMinutes: d.TimeoutMinutes,
		CheckHolidays:  d.CheckHolidays,
		RespectMotion:  d.RespectMotion,
	}
}
