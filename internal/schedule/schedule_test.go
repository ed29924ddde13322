package schedule

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relay-sync/internal/clock"
	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

const mac1 = "AA:BB:CC:DD:EE:01"

type push struct {
	mac   string
	gpio  int
	state bool
}

type stubCommander struct {
	mu        sync.Mutex
	connected bool
	pushes    []push
}

func (c *stubCommander) Push(_ context.Context, mac string, gpio int, state bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, push{mac, gpio, state})
	return nil
}

func (c *stubCommander) Connected(string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type fixture struct {
	e      *Engine
	st     *store.BoltStore
	cmd    *stubCommander
	clk    *clock.Fake
	alerts []*store.SecurityAlert
	states []events.StateChange
}

// Monday 2026-03-02 08:00 UTC.
var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, holidays HolidayCalendar) *fixture {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	dev := &store.Device{
		MAC:    mac1,
		Name:   "Room 101",
		Status: store.StatusOnline,
		Switches: []store.Switch{
			{ID: "light", Name: "Light", Type: store.TypeLight, GPIO: 16},
			{ID: "projector", Name: "Projector", Type: store.TypeProjector, GPIO: 17, DontAutoOff: true},
		},
		Motion: &store.MotionSensor{Enabled: true, GPIO: 34},
	}
	if err := st.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	f := &fixture{st: st, cmd: &stubCommander{connected: true}, clk: clock.NewFake(start)}
	bus := events.NewBus(slog.Default())
	bus.On(events.SecurityAlert, func(e events.Event) { f.alerts = append(f.alerts, e.Data.(*store.SecurityAlert)) })
	bus.On(events.DeviceStateChanged, func(e events.Event) { f.states = append(f.states, e.Data.(events.StateChange)) })
	f.e = New(Config{Location: time.UTC, MotionWindow: 5 * time.Minute}, st, f.cmd, bus, f.clk, holidays, slog.Default())
	t.Cleanup(f.e.Stop)
	return f
}

func (f *fixture) switchState(t *testing.T, id string) bool {
	t.Helper()
	d, err := f.st.GetDevice(mac1)
	if err != nil {
		t.Fatal(err)
	}
	return d.SwitchByID(id).State
}

func TestNextFire(t *testing.T) {
	tests := []struct {
		name  string
		s     store.Schedule
		after time.Time
		want  time.Time
		ok    bool
	}{
		{"daily later today", store.Schedule{Type: store.ScheduleDaily, Time: "09:00"}, start, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), true},
		{"daily exactly now rolls over", store.Schedule{Type: store.ScheduleDaily, Time: "08:00"}, start, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), true},
		{"weekly next friday", store.Schedule{Type: store.ScheduleWeekly, Time: "18:30", Days: []int{5}}, start, time.Date(2026, 3, 6, 18, 30, 0, 0, time.UTC), true},
		{"weekly same weekday next week", store.Schedule{Type: store.ScheduleWeekly, Time: "07:00", Days: []int{1}}, start, time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC), true},
		{"once future", store.Schedule{Type: store.ScheduleOnce, Time: "12:00", Date: "2026-03-05"}, start, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC), true},
		{"once past", store.Schedule{Type: store.ScheduleOnce, Time: "12:00", Date: "2026-03-01"}, start, time.Time{}, false},
		{"bad time", store.Schedule{Type: store.ScheduleDaily, Time: "25:00"}, start, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextFire(&tt.s, tt.after, time.UTC)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := store.Schedule{Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn,
		Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := Validate(&good); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	bad := []store.Schedule{
		{Type: store.ScheduleDaily, Time: "9am", Action: store.ActionOn},
		{Type: store.ScheduleDaily, Time: "09:00", Action: "toggle"},
		{Type: store.ScheduleWeekly, Time: "09:00", Action: store.ActionOn},
		{Type: store.ScheduleWeekly, Time: "09:00", Action: store.ActionOn, Days: []int{7}},
		{Type: store.ScheduleOnce, Time: "09:00", Action: store.ActionOn, Date: "tomorrow"},
		{Type: "hourly", Time: "09:00", Action: store.ActionOn},
		{Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn, TimeoutMinutes: -1},
		{Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn, Switches: []store.SwitchRef{{Device: mac1}}},
	}
	for i, s := range bad {
		if err := Validate(&s); err == nil {
			t.Errorf("case %d: expected error for %+v", i, s)
		}
	}
}

func TestStaticCalendar(t *testing.T) {
	c, err := NewStaticCalendar([]string{"2026-03-02", "12-25"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for day, want := range map[time.Time]bool{
		start: true,
		time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC):   false,
		time.Date(2031, 12, 25, 0, 0, 0, 0, time.UTC): true,
	} {
		got, _ := c.IsHoliday(ctx, day)
		if got != want {
			t.Errorf("IsHoliday(%s) = %v, want %v", day.Format("2006-01-02"), got, want)
		}
	}
	if _, err := NewStaticCalendar([]string{"Christmas"}); err == nil {
		t.Error("expected error for unparseable date")
	}
}

func TestLuaCalendar(t *testing.T) {
	c, err := NewLuaCalendar(`
function is_holiday(y, m, d, wday)
  return wday == 0 or wday == 6 or (m == 1 and d == 1)
end`, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	tests := []struct {
		day  time.Time
		want bool
	}{
		{start, false},
		{time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		got, err := c.IsHoliday(ctx, tt.day)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("IsHoliday(%s) = %v, want %v", tt.day.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestLuaCalendarSandbox(t *testing.T) {
	if _, err := NewLuaCalendar(`os.exit(1)`, slog.Default()); err == nil {
		t.Error("expected error when touching os")
	}
	if _, err := NewLuaCalendar(`x = 1`, slog.Default()); err == nil {
		t.Error("expected error without is_holiday")
	}
	c, err := NewLuaCalendar(`function is_holiday() while true do end end`, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.timeout = 50 * time.Millisecond
	if _, err := c.IsHoliday(context.Background(), start); err == nil {
		t.Error("expected timeout error from runaway script")
	}
}

func TestDailyOnWithTimeout(t *testing.T) {
	f := newFixture(t, nil)
	s := &store.Schedule{Name: "Morning", Enabled: true, Type: store.ScheduleDaily, Time: "09:00",
		Action: store.ActionOn, TimeoutMinutes: 480,
		Switches: []store.SwitchRef{{Device: "aa:bb:cc:dd:ee:01", Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	if next, ok := f.e.NextRun(s.ID); !ok || next.Hour() != 9 {
		t.Fatalf("next run = %v, %v", next, ok)
	}

	f.clk.Advance(time.Hour)
	if !f.switchState(t, "light") {
		t.Fatal("light should be on at 09:00")
	}
	if len(f.cmd.pushes) != 1 || f.cmd.pushes[0] != (push{mac1, 16, true}) {
		t.Fatalf("pushes = %+v", f.cmd.pushes)
	}
	if len(f.states) != 1 || f.states[0].Source != events.SourceSchedule {
		t.Fatalf("states = %+v", f.states)
	}

	f.clk.Advance(8*time.Hour - time.Minute)
	if !f.switchState(t, "light") {
		t.Fatal("light turned off before timeout")
	}
	f.clk.Advance(time.Minute)
	if f.switchState(t, "light") {
		t.Fatal("watchdog should turn the light off at 17:00")
	}
	if len(f.cmd.pushes) != 2 || f.cmd.pushes[1].state {
		t.Fatalf("pushes = %+v", f.cmd.pushes)
	}
	acts, err := f.st.ListActivity(mac1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 2 || acts[0].Source != store.SourceWatchdog || acts[1].Source != store.SourceSchedule {
		t.Errorf("activity = %+v", acts)
	}

	got, _ := f.st.GetSchedule(s.ID)
	if !got.LastRun.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("last run = %v", got.LastRun)
	}
	if next, _ := f.e.NextRun(s.ID); !next.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("next run = %v, want tomorrow 09:00", next)
	}
}

func TestWatchdogAlertsForDontAutoOff(t *testing.T) {
	f := newFixture(t, nil)
	s := &store.Schedule{Name: "Lecture", Enabled: true, Type: store.ScheduleDaily, Time: "09:00",
		Action: store.ActionOn, TimeoutMinutes: 60,
		Switches: []store.SwitchRef{{Device: mac1, Switch: "projector"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(2 * time.Hour)

	if !f.switchState(t, "projector") {
		t.Error("projector must stay on")
	}
	if len(f.alerts) != 1 || f.alerts[0].Type != store.AlertTimeoutExceeded || f.alerts[0].Severity != store.SeverityHigh {
		t.Fatalf("alerts = %+v", f.alerts)
	}
	stored, _ := f.st.ListAlerts(10, true)
	if len(stored) != 1 {
		t.Errorf("stored alerts = %d", len(stored))
	}
}

func TestMotionOverride(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.st.UpdateDevice(mac1, func(d *store.Device) error {
		d.Switches[0].State = true
		d.Motion.LastMotionAt = start.Add(58 * time.Minute)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s := &store.Schedule{Name: "Lights out", Enabled: true, Type: store.ScheduleDaily, Time: "09:00",
		Action: store.ActionOff, RespectMotion: true,
		Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)

	if !f.switchState(t, "light") {
		t.Error("light should stay on with recent motion")
	}
	if len(f.cmd.pushes) != 0 {
		t.Errorf("pushes = %+v", f.cmd.pushes)
	}
	if len(f.alerts) != 1 || f.alerts[0].Type != store.AlertMotionOverride || f.alerts[0].Severity != store.SeverityMedium {
		t.Fatalf("alerts = %+v", f.alerts)
	}
}

func TestStaleMotionDoesNotOverride(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.st.UpdateDevice(mac1, func(d *store.Device) error {
		d.Switches[0].State = true
		d.Motion.LastMotionAt = start.Add(-time.Hour)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s := &store.Schedule{Enabled: true, Type: store.ScheduleDaily, Time: "09:00",
		Action: store.ActionOff, RespectMotion: true,
		Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)
	if f.switchState(t, "light") {
		t.Error("light should be off")
	}
	if len(f.alerts) != 0 {
		t.Errorf("alerts = %+v", f.alerts)
	}
}

func TestHolidaySkips(t *testing.T) {
	cal, _ := NewStaticCalendar([]string{"2026-03-02"})
	f := newFixture(t, cal)
	s := &store.Schedule{Enabled: true, Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn,
		CheckHolidays: true, Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)
	if f.switchState(t, "light") {
		t.Error("schedule ran on a holiday")
	}
	f.clk.Advance(24 * time.Hour)
	if !f.switchState(t, "light") {
		t.Error("schedule should run the day after")
	}
}

func TestOfflineQueuesIntent(t *testing.T) {
	f := newFixture(t, nil)
	f.cmd.connected = false
	s := &store.Schedule{Enabled: true, Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn,
		Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)

	d, _ := f.st.GetDevice(mac1)
	if len(d.QueuedIntents) != 1 || d.QueuedIntents[0].GPIO != 16 || !d.QueuedIntents[0].State {
		t.Errorf("intents = %+v", d.QueuedIntents)
	}
	if len(f.cmd.pushes) != 0 {
		t.Errorf("pushes = %+v", f.cmd.pushes)
	}
}

func TestOnceDisablesItself(t *testing.T) {
	f := newFixture(t, nil)
	s := &store.Schedule{Enabled: true, Type: store.ScheduleOnce, Date: "2026-03-02", Time: "10:00",
		Action: store.ActionOn, Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(3 * time.Hour)
	got, _ := f.st.GetSchedule(s.ID)
	if got.Enabled {
		t.Error("once schedule still enabled")
	}
	if _, ok := f.e.NextRun(s.ID); ok {
		t.Error("once schedule re-armed")
	}
	if f.clk.Pending() != 0 {
		t.Errorf("pending timers = %d", f.clk.Pending())
	}
}

func TestEditAndRemoveCancelTimers(t *testing.T) {
	f := newFixture(t, nil)
	s := &store.Schedule{Enabled: true, Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn,
		Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	s.Time = "11:00"
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(2 * time.Hour)
	if f.switchState(t, "light") {
		t.Fatal("stale 09:00 timer fired after edit")
	}

	if _, err := f.e.SetEnabled(s.ID, false); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(2 * time.Hour)
	if f.switchState(t, "light") {
		t.Fatal("disabled schedule fired")
	}

	if _, err := f.e.SetEnabled(s.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := f.e.Remove(s.ID); err != nil {
		t.Fatal(err)
	}
	if f.clk.Pending() != 0 {
		t.Errorf("pending timers = %d", f.clk.Pending())
	}
}

// removingCalendar deletes a schedule from inside its own firing.
type removingCalendar struct {
	e  *Engine
	id string
}

func (c *removingCalendar) IsHoliday(context.Context, time.Time) (bool, error) {
	return false, c.e.Remove(c.id)
}

func TestRemoveDuringFiringDoesNotRearm(t *testing.T) {
	cal := &removingCalendar{id: "evening"}
	f := newFixture(t, cal)
	cal.e = f.e
	s := &store.Schedule{ID: "evening", Enabled: true, Type: store.ScheduleDaily, Time: "09:00", Action: store.ActionOn,
		CheckHolidays: true, Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}
	if err := f.e.Save(s); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Hour)

	if _, ok := f.e.NextRun("evening"); ok {
		t.Error("removed schedule re-armed")
	}
	if f.clk.Pending() != 0 {
		t.Errorf("pending timers = %d", f.clk.Pending())
	}
}

func TestStartLoadsStoredSchedules(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.st.SaveSchedule(&store.Schedule{ID: "s1", Enabled: true, Type: store.ScheduleDaily, Time: "09:00",
		Action: store.ActionOn, Switches: []store.SwitchRef{{Device: mac1, Switch: "light"}}}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SaveSchedule(&store.Schedule{ID: "s2", Enabled: false, Type: store.ScheduleDaily, Time: "09:00",
		Action: store.ActionOn}); err != nil {
		t.Fatal(err)
	}
	if err := f.e.Start(); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.e.NextRun("s1"); !ok {
		t.Error("s1 not armed")
	}
	if _, ok := f.e.NextRun("s2"); ok {
		t.Error("disabled s2 armed")
	}
}
