// Package schedule runs time-based automation: recurring on/off actions,
// motion-aware overrides and the auto-off watchdog.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay-sync/internal/clock"
	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

// Commander pushes a command to a connected device.
type Commander interface {
	Push(ctx context.Context, mac string, gpio int, state bool) error
	Connected(mac string) bool
}

// Config holds engine settings.
type Config struct {
	Location     *time.Location
	MotionWindow time.Duration
}

type entry struct {
	timer clock.Timer
	gen   uint64
	next  time.Time
}

type watchKey struct {
	schedule string
	mac      string
	switchID string
}

type watch struct {
	timer clock.Timer
	gen   uint64
}

// Engine owns one timer per enabled schedule and one per armed auto-off.
type Engine struct {
	cfg      Config
	store    store.Store
	cmd      Commander
	bus      events.Publisher
	clock    clock.Clock
	holidays HolidayCalendar
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	watches map[watchKey]*watch
	gen     uint64
	stopped bool
}

// New creates an engine. holidays may be nil.
func New(cfg Config, st store.Store, cmd Commander, bus events.Publisher, clk clock.Clock, holidays HolidayCalendar, logger *slog.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MotionWindow <= 0 {
		cfg.MotionWindow = 5 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		cmd:      cmd,
		bus:      bus,
		clock:    clk,
		holidays: holidays,
		logger:   logger.With("component", "schedule"),
		entries:  make(map[string]*entry),
		watches:  make(map[watchKey]*watch),
	}
}

// Start compiles every stored schedule.
func (e *Engine) Start() error {
	list, err := e.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, s := range list {
		if err := Validate(s); err != nil {
			e.logger.Warn("skipping invalid schedule", "id", s.ID, "err", err)
			continue
		}
		e.arm(s)
	}
	e.logger.Info("schedule engine started", "schedules", len(list))
	return nil
}

// Stop cancels every timer. Firings already running complete but do not re-arm.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, en := range e.entries {
		en.timer.Stop()
		delete(e.entries, id)
	}
	for k, w := range e.watches {
		w.timer.Stop()
		delete(e.watches, k)
	}
}

// Save validates and persists s, then recompiles its timer.
func (e *Engine) Save(s *store.Schedule) error {
	if err := Validate(s); err != nil {
		return err
	}
	for i, ref := range s.Switches {
		mac, err := store.NormalizeMAC(ref.Device)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		s.Switches[i].Device = mac
	}
	if err := e.store.SaveSchedule(s); err != nil {
		return err
	}
	e.arm(s)
	return nil
}

// SetEnabled flips a schedule on or off and recompiles it.
func (e *Engine) SetEnabled(id string, enabled bool) (*store.Schedule, error) {
	s, err := e.store.UpdateSchedule(id, func(s *store.Schedule) error {
		s.Enabled = enabled
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.arm(s)
	return s, nil
}

// Remove deletes a schedule and cancels its timers.
func (e *Engine) Remove(id string) error {
	e.cancel(id)
	e.cancelWatches(id)
	return e.store.DeleteSchedule(id)
}

// NextRun returns the armed firing time of a schedule.
func (e *Engine) NextRun(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return en.next, true
}

func (e *Engine) cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.entries[id]; ok {
		en.timer.Stop()
		delete(e.entries, id)
	}
}

func (e *Engine) cancelWatches(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, w := range e.watches {
		if k.schedule == id {
			w.timer.Stop()
			delete(e.watches, k)
		}
	}
}

// arm replaces any timer for s with one for its next occurrence.
func (e *Engine) arm(s *store.Schedule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armLocked(s, e.clock.Now())
}

func (e *Engine) armLocked(s *store.Schedule, after time.Time) {
	if en, ok := e.entries[s.ID]; ok {
		en.timer.Stop()
		delete(e.entries, s.ID)
	}
	if !s.Enabled || e.stopped {
		return
	}
	next, ok := NextFire(s, after, e.cfg.Location)
	if !ok {
		e.logger.Debug("schedule has no future occurrence", "id", s.ID)
		return
	}
	e.gen++
	gen := e.gen
	id := s.ID
	e.entries[id] = &entry{
		gen:  gen,
		next: next,
		timer: e.clock.AfterFunc(next.Sub(e.clock.Now()), func() {
			e.fire(id, gen)
		}),
	}
	e.logger.Debug("schedule armed", "id", id, "next", next)
}

// fire runs one firing. A callback whose generation was superseded by an
// edit or cancel is ignored.
func (e *Engine) fire(id string, gen uint64) {
	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok || en.gen != gen || e.stopped {
		e.mu.Unlock()
		return
	}
	firedAt := en.next
	delete(e.entries, id)
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("schedule firing panic", "id", id, "panic", r)
		}
	}()

	s, err := e.store.GetSchedule(id)
	if err != nil {
		e.logger.Error("load schedule for firing", "id", id, "err", err)
		return
	}
	if !s.Enabled {
		return
	}

	ctx := context.Background()
	e.run(ctx, s)

	updated, err := e.store.UpdateSchedule(id, func(x *store.Schedule) error {
		x.LastRun = e.clock.Now()
		if x.Type == store.ScheduleOnce {
			x.Enabled = false
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("schedule removed while firing", "id", id)
		return
	}
	if err != nil {
		e.logger.Error("record schedule run", "id", id, "err", err)
		updated = s
		if s.Type == store.ScheduleOnce {
			updated.Enabled = false
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, rearmed := e.entries[id]; rearmed {
		// Edited while firing; the edit already armed the new timer.
		return
	}
	e.armLocked(updated, firedAt)
}

func (e *Engine) run(ctx context.Context, s *store.Schedule) {
	now := e.clock.Now()
	if s.CheckHolidays && e.holidays != nil {
		holiday, err := e.holidays.IsHoliday(ctx, now.In(e.cfg.Location))
		switch {
		case err != nil:
			e.logger.Warn("holiday calendar failed, running schedule anyway", "id", s.ID, "err", err)
		case holiday:
			e.logger.Info("skipping schedule on holiday", "id", s.ID, "name", s.Name)
			return
		}
	}

	on := s.Action == store.ActionOn
	for _, ref := range s.Switches {
		if err := e.runSwitch(ctx, s, ref, on, now); err != nil {
			e.logger.Error("schedule action", "id", s.ID, "mac", ref.Device, "switch", ref.Switch, "err", err)
		}
	}
	e.logger.Info("schedule fired", "id", s.ID, "name", s.Name, "action", s.Action, "switches", len(s.Switches))
}

func (e *Engine) runSwitch(ctx context.Context, s *store.Schedule, ref store.SwitchRef, on bool, now time.Time) error {
	dev, err := e.store.GetDevice(ref.Device)
	if err != nil {
		return err
	}
	sw := dev.SwitchByID(ref.Switch)
	if sw == nil {
		return fmt.Errorf("switch %s not found", ref.Switch)
	}

	if !on && s.RespectMotion && !sw.DontAutoOff && recentMotion(dev, now, e.cfg.MotionWindow) {
		alert := &store.SecurityAlert{
			Type:     store.AlertMotionOverride,
			Severity: store.SeverityMedium,
			Message:  fmt.Sprintf("Schedule %q did not turn off %s in %s: motion detected %s ago", s.Name, sw.Name, displayName(dev), now.Sub(dev.Motion.LastMotionAt).Round(time.Second)),
			Metadata: map[string]string{"schedule": s.ID, "device": dev.MAC, "switch": sw.ID},
		}
		e.logger.Info("motion override, leaving switch on", "id", s.ID, "mac", dev.MAC, "switch", sw.ID)
		return events.RaiseAlert(e.bus, e.store, alert)
	}

	if err := e.apply(ctx, dev.MAC, sw.ID, on, events.SourceSchedule); err != nil {
		return err
	}
	if on && s.TimeoutMinutes > 0 {
		e.armWatch(watchKey{s.ID, dev.MAC, sw.ID}, time.Duration(s.TimeoutMinutes)*time.Minute)
	}
	if !on {
		e.cancelWatch(watchKey{s.ID, dev.MAC, sw.ID})
	}
	return nil
}

func recentMotion(dev *store.Device, now time.Time, window time.Duration) bool {
	m := dev.Motion
	if m == nil || !m.Enabled || m.LastMotionAt.IsZero() {
		return false
	}
	return now.Sub(m.LastMotionAt) < window
}

// apply writes the switch state through the registry, records activity,
// pushes the command when the device is connected and queues it otherwise.
func (e *Engine) apply(ctx context.Context, mac, switchID string, on bool, source string) error {
	now := e.clock.Now()
	online := e.cmd.Connected(mac)
	var gpio int
	changed := false
	dev, err := e.store.UpdateDevice(mac, func(d *store.Device) error {
		sw := d.SwitchByID(switchID)
		if sw == nil {
			return fmt.Errorf("switch %s not found", switchID)
		}
		gpio = sw.GPIO
		changed = sw.State != on
		if changed {
			sw.State = on
			sw.LastStateChange = now
		}
		if !online {
			d.UpsertIntent(store.QueuedIntent{GPIO: sw.GPIO, State: on, QueuedAt: now})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if online {
		if err := e.cmd.Push(ctx, mac, gpio, on); err != nil {
			e.logger.Warn("push scheduled command", "mac", mac, "gpio", gpio, "err", err)
		}
	}

	action := store.ActionOff
	if on {
		action = store.ActionOn
	}
	a := &store.Activity{Device: mac, Switch: switchID, Action: action, Source: source, At: now}
	if err := e.store.AppendActivity(a); err != nil {
		e.logger.Debug("append activity", "mac", mac, "err", err)
	} else {
		e.bus.Emit(events.Event{Type: events.Activity, Data: a})
	}
	if changed {
		events.PublishState(e.bus, dev, source, now)
	}
	return nil
}

func (e *Engine) armWatch(k watchKey, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watches[k]; ok {
		w.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.watches[k] = &watch{gen: gen, timer: e.clock.AfterFunc(d, func() { e.watchdog(k, gen) })}
}

func (e *Engine) cancelWatch(k watchKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watches[k]; ok {
		w.timer.Stop()
		delete(e.watches, k)
	}
}

// watchdog turns a switch off when its schedule timeout expires, or raises
// an alert for switches that must not be turned off automatically.
func (e *Engine) watchdog(k watchKey, gen uint64) {
	e.mu.Lock()
	w, ok := e.watches[k]
	if !ok || w.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.watches, k)
	e.mu.Unlock()

	dev, err := e.store.GetDevice(k.mac)
	if err != nil {
		e.logger.Error("watchdog: load device", "mac", k.mac, "err", err)
		return
	}
	sw := dev.SwitchByID(k.switchID)
	if sw == nil || !sw.State {
		return
	}
	if sw.DontAutoOff {
		alert := &store.SecurityAlert{
			Type:     store.AlertTimeoutExceeded,
			Severity: store.SeverityHigh,
			Message:  fmt.Sprintf("%s in %s is still on past its schedule timeout and is excluded from auto-off", sw.Name, displayName(dev)),
			Metadata: map[string]string{"schedule": k.schedule, "device": k.mac, "switch": k.switchID},
		}
		if err := events.RaiseAlert(e.bus, e.store, alert); err != nil {
			e.logger.Error("persist timeout alert", "err", err)
		}
		return
	}
	e.logger.Info("auto-off after schedule timeout", "schedule", k.schedule, "mac", k.mac, "switch", k.switchID)
	if err := e.apply(context.Background(), k.mac, k.switchID, false, events.SourceWatchdog); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("watchdog auto-off", "mac", k.mac, "err", err)
	}
}

func displayName(d *store.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.MAC
}
