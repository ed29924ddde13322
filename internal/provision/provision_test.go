package provision

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relay-sync/internal/store"
)

const campus = `
devices:
  - mac: aa-bb-cc-dd-ee-01
    name: Room 101
    location: Block A
    secret: s3cret
    switches:
      - id: light
        name: Ceiling light
        type: light
        gpio: 16
        manual:
          gpio: 25
          mode: maintained
      - name: Projector
        type: projector
        gpio: 17
        dont_auto_off: true
    motion:
      enabled: true
      gpio: 34
      auto_off_delay: 10m
schedules:
  - name: Morning lights
    type: weekly
    time: "08:00"
    days: [1, 2, 3, 4, 5]
    action: "on"
    timeout_minutes: 480
    switches:
      - device: AABBCCDDEE01
        switch: light
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyCreatesDevicesAndSchedules(t *testing.T) {
	st := newStore(t)
	f, err := Load(writeYAML(t, t.TempDir(), "campus.yaml", campus), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	sum, err := Apply(st, f, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.DevicesCreated != 1 || sum.SchedulesWritten != 1 {
		t.Errorf("summary = %+v", sum)
	}

	dev, err := st.GetDevice("AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Secret != "s3cret" || dev.Status != store.StatusOffline {
		t.Errorf("secret = %q status = %q", dev.Secret, dev.Status)
	}
	if len(dev.Switches) != 2 || dev.Switches[1].ID == "" || !dev.Switches[1].DontAutoOff {
		t.Errorf("switches = %+v", dev.Switches)
	}
	if dev.Motion == nil || dev.Motion.AutoOffDelay != 10*time.Minute {
		t.Errorf("motion = %+v", dev.Motion)
	}

	list, err := st.ListSchedules()
	if err != nil || len(list) != 1 {
		t.Fatalf("schedules = %v, %v", list, err)
	}
	if !list[0].Enabled || list[0].Switches[0].Device != "AA:BB:CC:DD:EE:01" {
		t.Errorf("schedule = %+v", list[0])
	}
}

func TestReprovisionKeepsLiveState(t *testing.T) {
	st := newStore(t)
	path := writeYAML(t, t.TempDir(), "campus.yaml", campus)
	f, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Apply(st, f, testLogger()); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetDevice("AA:BB:CC:DD:EE:01")
	projectorID := first.Switches[1].ID

	if _, err := st.UpdateDevice(first.MAC, func(d *store.Device) error {
		d.Status = store.StatusOnline
		d.Switches[0].State = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	f, _ = Load(path, testLogger())
	sum, err := Apply(st, f, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.DevicesUpdated != 1 || sum.DevicesCreated != 0 {
		t.Errorf("summary = %+v", sum)
	}
	dev, _ := st.GetDevice("AA:BB:CC:DD:EE:01")
	if dev.Status != store.StatusOnline || !dev.Switches[0].State {
		t.Errorf("live state lost: status = %q light = %v", dev.Status, dev.Switches[0].State)
	}
	if dev.Switches[1].ID != projectorID {
		t.Errorf("projector id = %q, want %q", dev.Switches[1].ID, projectorID)
	}
	if list, _ := st.ListSchedules(); len(list) != 1 {
		t.Errorf("schedules = %d, want 1 after re-provision", len(list))
	}
}

func TestApplyRejectsSecretChange(t *testing.T) {
	st := newStore(t)
	f, _ := Load(writeYAML(t, t.TempDir(), "campus.yaml", campus), testLogger())
	if _, err := Apply(st, f, testLogger()); err != nil {
		t.Fatal(err)
	}
	f.Devices[0].Secret = "other"
	if _, err := Apply(st, f, testLogger()); !errors.Is(err, store.ErrSecretExists) {
		t.Errorf("err = %v, want ErrSecretExists", err)
	}
}

func TestApplyValidatesBeforeWriting(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"reserved gpio", "devices:\n  - mac: AA:BB:CC:DD:EE:02\n    switches:\n      - {id: a, gpio: 7}\n"},
		{"pin reuse", "devices:\n  - mac: AA:BB:CC:DD:EE:02\n    switches:\n      - {id: a, gpio: 16}\n      - {id: b, gpio: 16}\n"},
		{"bad mac", "devices:\n  - mac: nope\n"},
		{"bad schedule", "devices:\n  - mac: AA:BB:CC:DD:EE:02\nschedules:\n  - {name: x, type: daily, time: '9am', action: 'on'}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			f, err := Load(writeYAML(t, t.TempDir(), "bad.yaml", tt.doc), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Apply(st, f, testLogger()); err == nil {
				t.Fatal("expected error")
			}
			if devices, _ := st.ListDevices(); len(devices) != 0 {
				t.Errorf("wrote %d devices despite error", len(devices))
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "a.yaml", "devices:\n  - mac: AA:BB:CC:DD:EE:01\n")
	writeYAML(t, dir, "b.yml", "devices:\n  - mac: AA:BB:CC:DD:EE:02\n")
	writeYAML(t, dir, "notes.txt", "ignored")

	f, err := Load(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Devices) != 2 || f.Devices[0].MAC != "AA:BB:CC:DD:EE:01" {
		t.Errorf("devices = %+v", f.Devices)
	}
}
