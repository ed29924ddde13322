// Package dispatch turns toggle requests into device commands. It guards
// against duplicate and rapid toggles, queues intents for offline devices
// and replays them when the device reconnects.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay-sync/internal/clock"
	"relay-sync/internal/events"
	"relay-sync/internal/protocol"
	"relay-sync/internal/store"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrSwitchNotFound = errors.New("switch not found")
)

// Status is the outcome of a toggle request.
type Status string

const (
	StatusSent       Status = "sent"
	StatusQueued     Status = "queued"
	StatusSuppressed Status = "suppressed"
)

// Suppression reasons.
const (
	ReasonInFlight = "in_flight"
	ReasonCooldown = "cooldown"
)

// Result describes what happened to a toggle request.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	State  bool   `json:"state"`
	Seq    int64  `json:"seq,omitempty"`
}

// Sender delivers messages to connected devices.
type Sender interface {
	Send(ctx context.Context, mac string, m protocol.Message) error
	Connected(mac string) bool
}

// Config holds dispatcher timings.
type Config struct {
	Cooldown       time.Duration
	ReconcileDelay time.Duration
	FlushDelay     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:       time.Second,
		ReconcileDelay: 5 * time.Second,
		FlushDelay:     2 * time.Second,
	}
}

type pinKey struct {
	mac  string
	gpio int
}

type inFlight struct {
	seq   int64
	timer clock.Timer
}

type flushEntry struct {
	timer clock.Timer
	gen   uint64
}

// Dispatcher routes toggle requests to devices.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	sender Sender
	bus    events.Publisher
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	inFlight   map[pinKey]*inFlight
	lastToggle map[pinKey]time.Time
	cmdSeq     map[string]int64
	flushes    map[string]*flushEntry
	flushGen   uint64
}

// New creates a dispatcher.
func New(cfg Config, st store.Store, sender Sender, bus events.Publisher, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		sender:     sender,
		bus:        bus,
		clock:      clk,
		logger:     logger.With("component", "dispatch"),
		inFlight:   make(map[pinKey]*inFlight),
		lastToggle: make(map[pinKey]time.Time),
		cmdSeq:     make(map[string]int64),
		flushes:    make(map[string]*flushEntry),
	}
}

// RequestToggle asks for a switch to change state. A nil desired flips the
// switch relative to its recorded state.
func (d *Dispatcher) RequestToggle(ctx context.Context, mac, switchID string, desired *bool) (Result, error) {
	mac, err := store.NormalizeMAC(mac)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	dev, err := d.store.GetDevice(mac)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%s: %w", mac, ErrDeviceNotFound)
	}
	if err != nil {
		return Result{}, err
	}
	sw := dev.SwitchByID(switchID)
	if sw == nil {
		return Result{}, fmt.Errorf("%s/%s: %w", mac, switchID, ErrSwitchNotFound)
	}
	target := !sw.State
	if desired != nil {
		target = *desired
	}
	return d.toggle(ctx, dev, sw, target)
}

func (d *Dispatcher) toggle(ctx context.Context, dev *store.Device, sw *store.Switch, target bool) (Result, error) {
	k := pinKey{dev.MAC, sw.GPIO}
	now := d.clock.Now()

	d.mu.Lock()
	if _, busy := d.inFlight[k]; busy {
		d.mu.Unlock()
		return Result{Status: StatusSuppressed, Reason: ReasonInFlight, State: target}, nil
	}
	if last, ok := d.lastToggle[k]; ok && now.Sub(last) < d.cfg.Cooldown {
		d.mu.Unlock()
		return Result{Status: StatusSuppressed, Reason: ReasonCooldown, State: target}, nil
	}
	d.lastToggle[k] = now
	online := dev.Online() && d.sender.Connected(dev.MAC)
	var seq int64
	if online {
		d.cmdSeq[dev.MAC]++
		seq = d.cmdSeq[dev.MAC]
		d.inFlight[k] = &inFlight{seq: seq}
	}
	d.mu.Unlock()

	if online {
		err := d.sender.Send(ctx, dev.MAC, &protocol.SwitchCommand{MAC: dev.MAC, GPIO: sw.GPIO, State: target, Seq: seq})
		if err == nil {
			d.armReconcile(k, seq)
			d.logger.Debug("switch command sent", "mac", dev.MAC, "gpio", sw.GPIO, "state", target, "seq", seq)
			d.recordActivity(dev.MAC, sw.ID, target)
			return Result{Status: StatusSent, State: target, Seq: seq}, nil
		}
		d.logger.Warn("send failed, queueing intent", "mac", dev.MAC, "gpio", sw.GPIO, "err", err)
		d.clearInFlight(k, seq)
	}

	_, err := d.store.UpdateDevice(dev.MAC, func(dv *store.Device) error {
		dv.UpsertIntent(store.QueuedIntent{GPIO: sw.GPIO, State: target, QueuedAt: now})
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("queue intent: %w", err)
	}
	d.logger.Info("device offline, intent queued", "mac", dev.MAC, "gpio", sw.GPIO, "state", target)
	d.recordActivity(dev.MAC, sw.ID, target)
	return Result{Status: StatusQueued, State: target}, nil
}

// armReconcile re-reads the registry if no result arrives in time.
func (d *Dispatcher) armReconcile(k pinKey, seq int64) {
	t := d.clock.AfterFunc(d.cfg.ReconcileDelay, func() { d.reconcileTimeout(k, seq) })
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inFlight[k]; ok && f.seq == seq {
		f.timer = t
		return
	}
	// Result already arrived.
	t.Stop()
}

func (d *Dispatcher) reconcileTimeout(k pinKey, seq int64) {
	d.mu.Lock()
	f, ok := d.inFlight[k]
	if !ok || f.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.inFlight, k)
	d.mu.Unlock()

	d.logger.Warn("no switch result, reconciling from registry", "mac", k.mac, "gpio", k.gpio, "seq", seq)
	dev, err := d.store.GetDevice(k.mac)
	if err != nil {
		d.logger.Error("reconcile fetch", "mac", k.mac, "err", err)
		return
	}
	events.PublishState(d.bus, dev, events.SourceReconcile, d.clock.Now())
}

func (d *Dispatcher) clearInFlight(k pinKey, seq int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inFlight[k]; ok && f.seq == seq {
		if f.timer != nil {
			f.timer.Stop()
		}
		delete(d.inFlight, k)
	}
}

// clearDevice drops every in-flight entry of a device.
func (d *Dispatcher) clearDevice(mac string) {
	for k, f := range d.inFlight {
		if k.mac != mac {
			continue
		}
		if f.timer != nil {
			f.timer.Stop()
		}
		delete(d.inFlight, k)
	}
}

// CommandResult clears the in-flight guard for a pin when seq matches the
// outstanding command. Called by the gateway.
func (d *Dispatcher) CommandResult(mac string, gpio int, seq int64, success bool) {
	d.clearInFlight(pinKey{mac, gpio}, seq)
}

// DeviceIdentified arms the queued-intent flush. A re-identify before it
// fires replaces the pending flush.
func (d *Dispatcher) DeviceIdentified(mac string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearDevice(mac)
	if f, ok := d.flushes[mac]; ok {
		f.timer.Stop()
	}
	d.flushGen++
	gen := d.flushGen
	d.flushes[mac] = &flushEntry{
		gen:   gen,
		timer: d.clock.AfterFunc(d.cfg.FlushDelay, func() { d.flush(mac, gen) }),
	}
}

// DeviceDisconnected cancels any pending flush for mac.
func (d *Dispatcher) DeviceDisconnected(mac string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearDevice(mac)
	if f, ok := d.flushes[mac]; ok {
		f.timer.Stop()
		delete(d.flushes, mac)
	}
}

// PendingFlush reports whether a flush is armed for mac.
func (d *Dispatcher) PendingFlush(mac string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.flushes[mac]
	return ok
}

// flush sends the queued intents that still disagree with the state the
// device reported after reconnecting, then clears the queue.
func (d *Dispatcher) flush(mac string, gen uint64) {
	d.mu.Lock()
	f, ok := d.flushes[mac]
	if !ok || f.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.flushes, mac)
	d.mu.Unlock()

	if !d.sender.Connected(mac) {
		return
	}
	dev, err := d.store.GetDevice(mac)
	if err != nil {
		d.logger.Error("flush: load device", "mac", mac, "err", err)
		return
	}
	if len(dev.QueuedIntents) == 0 {
		return
	}

	// Every intent seen here is cleared after the pass, sent or not. Intents
	// queued while the pass runs survive.
	ctx := context.Background()
	done := make(map[int]time.Time, len(dev.QueuedIntents))
	for _, in := range dev.QueuedIntents {
		done[in.GPIO] = in.QueuedAt
	}
	sent := 0
	for _, in := range dev.QueuedIntents {
		sw := dev.SwitchByGPIO(in.GPIO)
		if sw == nil || sw.State == in.State {
			continue
		}
		k := pinKey{mac, in.GPIO}
		d.mu.Lock()
		d.cmdSeq[mac]++
		seq := d.cmdSeq[mac]
		d.inFlight[k] = &inFlight{seq: seq}
		d.lastToggle[k] = d.clock.Now()
		d.mu.Unlock()

		if err := d.sender.Send(ctx, mac, &protocol.SwitchCommand{MAC: mac, GPIO: in.GPIO, State: in.State, Seq: seq}); err != nil {
			d.logger.Warn("flush: send failed, dropping remaining intents", "mac", mac, "err", err)
			d.clearInFlight(k, seq)
			break
		}
		d.armReconcile(k, seq)
		sent++
	}

	_, err = d.store.UpdateDevice(mac, func(dv *store.Device) error {
		kept := dv.QueuedIntents[:0]
		for _, in := range dv.QueuedIntents {
			if at, ok := done[in.GPIO]; ok && !in.QueuedAt.After(at) {
				continue
			}
			kept = append(kept, in)
		}
		if len(kept) == 0 {
			kept = nil
		}
		dv.QueuedIntents = kept
		return nil
	})
	if err != nil {
		d.logger.Error("flush: clear intents", "mac", mac, "err", err)
	}
	d.logger.Info("queued intents flushed", "mac", mac, "sent", sent, "total", len(dev.QueuedIntents))
}

func (d *Dispatcher) recordActivity(mac, switchID string, state bool) {
	action := store.ActionOff
	if state {
		action = store.ActionOn
	}
	a := &store.Activity{Device: mac, Switch: switchID, Action: action, Source: store.SourceUser, At: d.clock.Now()}
	if err := d.store.AppendActivity(a); err != nil {
		d.logger.Debug("append activity", "mac", mac, "err", err)
		return
	}
	d.bus.Emit(events.Event{Type: events.Activity, Data: a})
}

// Connected reports whether the device has a live session.
func (d *Dispatcher) Connected(mac string) bool { return d.sender.Connected(mac) }

// Push sends a command without the toggle guards. It is used by actors that
// have already written the registry themselves, and shares the per-device
// command sequence so the firmware's ordering check stays consistent.
func (d *Dispatcher) Push(ctx context.Context, mac string, gpio int, state bool) error {
	d.mu.Lock()
	d.cmdSeq[mac]++
	seq := d.cmdSeq[mac]
	d.lastToggle[pinKey{mac, gpio}] = d.clock.Now()
	d.mu.Unlock()
	return d.sender.Send(ctx, mac, &protocol.SwitchCommand{MAC: mac, GPIO: gpio, State: state, Seq: seq})
}
