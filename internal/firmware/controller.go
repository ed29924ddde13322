// Package firmware is the device side of the relay protocol: a per-switch
// state machine driving relays from remote commands and wall switches, a
// small task runner and the websocket node client.
package firmware

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay-sync/internal/clock"
	"relay-sync/internal/protocol"
)

// ControllerConfig holds device timing.
type ControllerConfig struct {
	Debounce    time.Duration
	Stagger     time.Duration
	PIRDebounce time.Duration
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Debounce:    50 * time.Millisecond,
		Stagger:     80 * time.Millisecond,
		PIRDebounce: 2 * time.Second,
	}
}

// Outbox carries messages to the gateway.
type Outbox interface {
	Send(m protocol.Message) error
}

type pinRole int

const (
	roleOutput pinRole = iota + 1
	roleInput
	roleInputPullUp
)

type manualInput struct {
	gpio      int
	momentary bool
	activeLow bool
	raw       bool
	stable    bool
	changedAt time.Time
}

type relay struct {
	gpio    int
	name    string
	on      bool
	hw      bool
	hwKnown bool
	lastSeq int64
	manual  *manualInput

	staggerGen   uint64
	staggerTimer clock.Timer
}

type pir struct {
	gpio       int
	last       bool
	lastChange time.Time
	seq        int64
}

// Controller holds the switch state machines of one device. Until the first
// configuration arrives it is unconfigured and every command is answered
// with unknown_gpio.
type Controller struct {
	cfg    ControllerConfig
	mac    string
	secret string
	pins   Pins
	out    Outbox
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	configured bool
	relays     map[int]*relay
	order      []int
	roles      map[int]pinRole
	motion     *pir
	stateSeq   int64
	gen        uint64
}

// NewController creates an unconfigured controller. mac must be in the
// gateway's normalized form; a non-empty secret signs outbound reports.
func NewController(cfg ControllerConfig, mac, secret string, pins Pins, out Outbox, clk clock.Clock, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		mac:    mac,
		secret: secret,
		pins:   pins,
		out:    out,
		clock:  clk,
		logger: logger.With("component", "firmware"),
		relays: make(map[int]*relay),
		roles:  make(map[int]pinRole),
	}
}

// Configured reports whether a configuration has been applied.
func (c *Controller) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

// State returns the logical level of every relay in configuration order.
func (c *Controller) State() []protocol.PinState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Identified applies the configuration from an identified reply. Command
// sequence tracking restarts because the gateway starts a new session.
func (c *Controller) Identified(m *protocol.Identified) error {
	return c.apply(m.Switches, m.MotionGPIO, true)
}

// ApplyConfig applies a config_update pushed by the gateway.
func (c *Controller) ApplyConfig(m *protocol.ConfigUpdate) error {
	return c.apply(m.Switches, m.MotionGPIO, false)
}

// Restore applies a pin map saved before a restart. Relays start off unless
// a maintained wall switch holds them on.
func (c *Controller) Restore(sc SavedConfig) error {
	switches := make([]protocol.SwitchConfig, len(sc.Switches))
	for i, sw := range sc.Switches {
		sw.State = false
		switches[i] = sw
	}
	return c.apply(switches, sc.MotionGPIO, true)
}

func (c *Controller) apply(switches []protocol.SwitchConfig, motionGPIO *int, resetSeqs bool) error {
	c.mu.Lock()
	msgs, err := c.applyLocked(switches, motionGPIO, resetSeqs)
	c.mu.Unlock()
	c.send(msgs)
	return err
}

func (c *Controller) applyLocked(switches []protocol.SwitchConfig, motionGPIO *int, resetSeqs bool) ([]protocol.Message, error) {
	now := c.clock.Now()

	roles := make(map[int]pinRole)
	for _, sw := range switches {
		roles[sw.GPIO] = roleOutput
		if sw.Manual != nil {
			r := roleInput
			if sw.Manual.ActiveLow {
				r = roleInputPullUp
			}
			roles[sw.Manual.GPIO] = r
		}
	}
	if motionGPIO != nil {
		roles[*motionGPIO] = roleInput
	}

	// Release pins that go away or change role before claiming new ones,
	// so swapped pins are never claimed twice.
	for gpio, old := range c.roles {
		if roles[gpio] != old {
			if err := c.pins.Release(gpio); err != nil {
				c.logger.Warn("release pin", "gpio", gpio, "err", err)
			}
		}
	}
	var errs []error
	for gpio, role := range roles {
		if c.roles[gpio] == role {
			continue
		}
		var err error
		if role == roleOutput {
			err = c.pins.Output(gpio)
		} else {
			err = c.pins.Input(gpio, role == roleInputPullUp)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("claim gpio %d: %w", gpio, err))
		}
	}
	prevRoles := c.roles
	c.roles = roles

	for _, r := range c.relays {
		if r.staggerTimer != nil {
			r.staggerTimer.Stop()
			r.staggerTimer = nil
		}
	}

	relays := make(map[int]*relay, len(switches))
	order := make([]int, 0, len(switches))
	for _, sw := range switches {
		r, known := c.relays[sw.GPIO]
		if !known || prevRoles[sw.GPIO] != roleOutput {
			r = &relay{gpio: sw.GPIO, on: sw.State}
			if hw, err := c.pins.Read(sw.GPIO); err == nil {
				r.hw, r.hwKnown = hw, true
			}
		}
		r.name = sw.Name
		if resetSeqs {
			r.lastSeq = 0
		}
		var seeded bool
		r.manual, seeded = c.configureManual(r.manual, sw.Manual, prevRoles, now)
		// A maintained switch owns its relay: a freshly claimed one drives
		// the relay to its current position.
		if seeded && !r.manual.momentary && r.on != r.manual.stable {
			c.logger.Info("relay follows wall switch", "gpio", sw.GPIO, "on", r.manual.stable)
			r.on = r.manual.stable
		}
		relays[sw.GPIO] = r
		order = append(order, sw.GPIO)
	}
	c.relays = relays
	c.order = order

	c.motion = c.configureMotion(motionGPIO, prevRoles)
	c.configured = true

	c.staggerLocked()
	c.logger.Info("configuration applied", "switches", len(order), "reset_seqs", resetSeqs)
	return []protocol.Message{c.stateUpdateLocked()}, errors.Join(errs...)
}

// configureManual builds the input state for cfg. It reports whether the
// input was freshly seeded from the pin rather than carried over.
func (c *Controller) configureManual(prev *manualInput, cfg *protocol.ManualConfig, prevRoles map[int]pinRole, now time.Time) (*manualInput, bool) {
	if cfg == nil {
		return nil, false
	}
	m := &manualInput{gpio: cfg.GPIO, momentary: cfg.Mode == "momentary", activeLow: cfg.ActiveLow}
	if prev != nil && prev.gpio == cfg.GPIO && prev.activeLow == cfg.ActiveLow && prevRoles[cfg.GPIO] == c.roles[cfg.GPIO] {
		m.raw, m.stable, m.changedAt = prev.raw, prev.stable, prev.changedAt
		return m, false
	}
	m.changedAt = now
	// Seed from the current position so an already-closed switch does not
	// look like a fresh transition.
	lvl, err := c.pins.Read(cfg.GPIO)
	if err != nil {
		c.logger.Warn("read wall switch", "gpio", cfg.GPIO, "err", err)
		return m, false
	}
	m.raw = lvl != cfg.ActiveLow
	m.stable = m.raw
	return m, true
}

func (c *Controller) configureMotion(gpio *int, prevRoles map[int]pinRole) *pir {
	if gpio == nil {
		return nil
	}
	if c.motion != nil && c.motion.gpio == *gpio && prevRoles[*gpio] == roleInput {
		return c.motion
	}
	p := &pir{gpio: *gpio}
	if lvl, err := c.pins.Read(*gpio); err == nil {
		p.last = lvl
	}
	return p
}

// staggerLocked writes every relay whose hardware level differs from its
// logical state, spacing the writes to limit inrush current.
func (c *Controller) staggerLocked() {
	var delay time.Duration
	for _, gpio := range c.order {
		r := c.relays[gpio]
		if r.hwKnown && r.hw == r.on {
			continue
		}
		if delay == 0 {
			c.writeLocked(r)
			delay = c.cfg.Stagger
			continue
		}
		c.gen++
		gen := c.gen
		r.staggerGen = gen
		r.staggerTimer = c.clock.AfterFunc(delay, func() { c.staggeredWrite(r, gen) })
		delay += c.cfg.Stagger
	}
}

func (c *Controller) staggeredWrite(r *relay, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.staggerGen != gen || c.relays[r.gpio] != r {
		return
	}
	r.staggerTimer = nil
	c.writeLocked(r)
}

func (c *Controller) writeLocked(r *relay) error {
	if err := c.pins.Write(r.gpio, r.on); err != nil {
		c.logger.Error("relay write", "gpio", r.gpio, "err", err)
		return err
	}
	r.hw, r.hwKnown = r.on, true
	return nil
}

// setLocked drives r to on immediately, cancelling any staggered write.
func (c *Controller) setLocked(r *relay, on bool) error {
	if r.staggerTimer != nil {
		r.staggerTimer.Stop()
		r.staggerTimer = nil
	}
	prev := r.on
	r.on = on
	if err := c.writeLocked(r); err != nil {
		r.on = prev
		return err
	}
	return nil
}

// HandleCommand applies a switch_command and replies with a switch_result
// echoing the command seq, followed by a state_update when the relay moved.
func (c *Controller) HandleCommand(cmd *protocol.SwitchCommand) {
	c.mu.Lock()
	msgs := c.commandLocked(cmd)
	c.mu.Unlock()
	c.send(msgs)
}

func (c *Controller) commandLocked(cmd *protocol.SwitchCommand) []protocol.Message {
	res := &protocol.SwitchResult{
		GPIO:           cmd.GPIO,
		RequestedState: cmd.State,
		Seq:            cmd.Seq,
		TS:             c.clock.Now().UnixMilli(),
	}
	r, ok := c.relays[cmd.GPIO]
	switch {
	case !ok:
		res.Reason = protocol.ReasonUnknownGPIO
		c.logger.Warn("command for unknown gpio", "gpio", cmd.GPIO, "seq", cmd.Seq)
		return []protocol.Message{c.signResult(res)}
	case cmd.Seq < r.lastSeq:
		res.Reason = protocol.ReasonStaleSeq
		res.ActualState = boolPtr(r.on)
		c.logger.Debug("stale command", "gpio", cmd.GPIO, "seq", cmd.Seq, "last", r.lastSeq)
		return []protocol.Message{c.signResult(res)}
	}

	r.lastSeq = cmd.Seq
	changed := r.on != cmd.State
	if err := c.setLocked(r, cmd.State); err != nil {
		res.Reason = protocol.ReasonHardware
		res.ActualState = boolPtr(r.on)
		return []protocol.Message{c.signResult(res)}
	}
	res.Success = true
	res.ActualState = boolPtr(r.on)
	msgs := []protocol.Message{c.signResult(res)}
	if changed {
		msgs = append(msgs, c.stateUpdateLocked())
	}
	return msgs
}

// SampleInputs reads every manual input once and applies debounced
// transitions. Maintained inputs set the relay to their level, momentary
// inputs toggle it on the edge into the active level.
func (c *Controller) SampleInputs() {
	c.mu.Lock()
	var msgs []protocol.Message
	if c.sampleLocked() {
		msgs = append(msgs, c.stateUpdateLocked())
	}
	c.mu.Unlock()
	c.send(msgs)
}

func (c *Controller) sampleLocked() bool {
	now := c.clock.Now()
	changed := false
	for _, gpio := range c.order {
		r := c.relays[gpio]
		m := r.manual
		if m == nil {
			continue
		}
		lvl, err := c.pins.Read(m.gpio)
		if err != nil {
			continue
		}
		active := lvl != m.activeLow
		if active != m.raw {
			m.raw = active
			m.changedAt = now
		}
		if active == m.stable || now.Sub(m.changedAt) < c.cfg.Debounce {
			continue
		}
		m.stable = active
		target := active
		if m.momentary {
			if !active {
				continue
			}
			target = !r.on
		}
		if target == r.on {
			continue
		}
		if err := c.setLocked(r, target); err == nil {
			c.logger.Info("manual switch", "gpio", r.gpio, "state", target)
			changed = true
		}
	}
	return changed
}

// SampleMotion reports PIR edges, ignoring edges closer together than the
// PIR debounce.
func (c *Controller) SampleMotion() {
	c.mu.Lock()
	msg := c.motionLocked()
	c.mu.Unlock()
	if msg != nil {
		c.send([]protocol.Message{msg})
	}
}

func (c *Controller) motionLocked() protocol.Message {
	p := c.motion
	if p == nil {
		return nil
	}
	lvl, err := c.pins.Read(p.gpio)
	if err != nil || lvl == p.last {
		return nil
	}
	now := c.clock.Now()
	if !p.lastChange.IsZero() && now.Sub(p.lastChange) <= c.cfg.PIRDebounce {
		return nil
	}
	p.last = lvl
	p.lastChange = now
	p.seq++
	return &protocol.Motion{Triggered: lvl, Seq: p.seq, TS: now.UnixMilli()}
}

// FullState builds a state_update carrying every relay.
func (c *Controller) FullState() {
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return
	}
	msg := c.stateUpdateLocked()
	c.mu.Unlock()
	c.send([]protocol.Message{msg})
}

func (c *Controller) snapshotLocked() []protocol.PinState {
	out := make([]protocol.PinState, 0, len(c.order))
	for _, gpio := range c.order {
		out = append(out, protocol.PinState{GPIO: gpio, State: c.relays[gpio].on})
	}
	return out
}

// stateUpdateLocked always carries the full switch list so a report dropped
// as stale never loses another pin's change.
func (c *Controller) stateUpdateLocked() *protocol.StateUpdate {
	c.stateSeq++
	m := &protocol.StateUpdate{
		Seq:      c.stateSeq,
		TS:       c.clock.Now().UnixMilli(),
		Switches: c.snapshotLocked(),
	}
	if c.secret != "" {
		m.Sig = protocol.Sign(c.secret, protocol.StatePayload(c.mac, m.Seq, m.TS))
	}
	return m
}

func (c *Controller) signResult(r *protocol.SwitchResult) *protocol.SwitchResult {
	if c.secret != "" {
		r.Sig = protocol.Sign(c.secret, protocol.ResultPayload(c.mac, r))
	}
	return r
}

func (c *Controller) send(msgs []protocol.Message) {
	for _, m := range msgs {
		if err := c.out.Send(m); err != nil {
			c.logger.Debug("outbound message dropped", "type", m.Type(), "err", err)
		}
	}
}

func boolPtr(b bool) *bool { return &b }
