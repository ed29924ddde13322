// Package gateway terminates device connections. It owns the registry of
// live sessions, authenticates devices, orders their reports and merges
// them into the device registry.
package gateway

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

// ErrNotConnected is returned by Send when no identified session exists for a device.
var ErrNotConnected = errors.New("device not connected")

// Config holds gateway timing and security settings.
type Config struct {
	PingInterval          time.Duration
	OfflineSweepInterval  time.Duration
	StaleAfter            time.Duration
	StateWindow           time.Duration
	StateBurst            int
	WriteTimeout          time.Duration
	RequireSignatures     bool
	AllowInsecureIdentify bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:         30 * time.Second,
		OfflineSweepInterval: 30 * time.Second,
		StaleAfter:           60 * time.Second,
		StateWindow:          time.Second,
		StateBurst:           5,
		WriteTimeout:         10 * time.Second,
	}
}

// Hooks lets the dispatcher react to session lifecycle and command results.
type Hooks interface {
	DeviceIdentified(mac string)
	DeviceDisconnected(mac string)
	CommandResult(mac string, gpio int, seq int64, success bool)
}

type noHooks struct{}

func (noHooks) DeviceIdentified(string)                {}
func (noHooks) DeviceDisconnected(string)              {}
func (noHooks) CommandResult(string, int, int64, bool) {}

// Gateway owns all device sessions.
type Gateway struct {
	cfg    Config
	store  store.Store
	bus    events.Publisher
	clock  clock.Clock
	logger *slog.Logger

	hooksMu sync.RWMutex
	hooks   Hooks

	mu        sync.RWMutex
	sessions  map[*Session]struct{}
	byMAC     map[string]*Session
	lifecycle map[string]*sync.Mutex
}

// New creates a gateway.
func New(cfg Config, st store.Store, bus events.Publisher, clk clock.Clock, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		clock:    clk,
		logger:   logger.With("component", "gateway"),
		hooks:    noHooks{},
		sessions:  make(map[*Session]struct{}),
		byMAC:     make(map[string]*Session),
		lifecycle: make(map[string]*sync.Mutex),
	}
}

// SetHooks installs lifecycle hooks. Passing nil removes them.
func (g *Gateway) SetHooks(h Hooks) {
	g.hooksMu.Lock()
	defer g.hooksMu.Unlock()
	if h == nil {
		h = noHooks{}
	}
	g.hooks = h
}

func (g *Gateway) getHooks() Hooks {
	g.hooksMu.RLock()
	defer g.hooksMu.RUnlock()
	return g.hooks
}

// Accept registers a new unauthenticated session on conn.
func (g *Gateway) Accept(conn Conn, ip string) *Session {
	s := newSession(g, conn, ip)
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
	g.logger.Debug("connection accepted", "ip", ip)
	return s
}

// lockDevice serializes the online and offline transitions of one device:
// bind plus the online write, and unbind plus the offline write, never
// interleave. It returns the unlock func.
func (g *Gateway) lockDevice(mac string) func() {
	g.mu.Lock()
	l, ok := g.lifecycle[mac]
	if !ok {
		l = &sync.Mutex{}
		g.lifecycle[mac] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// bind associates mac with s and returns any previously bound session.
func (g *Gateway) bind(mac string, s *Session) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.byMAC[mac]
	g.byMAC[mac] = s
	if prev == s {
		return nil
	}
	return prev
}

// unbind removes the mac binding only if it still points at s.
func (g *Gateway) unbind(mac string, s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s)
	if mac == "" || g.byMAC[mac] != s {
		return false
	}
	delete(g.byMAC, mac)
	return true
}

func (g *Gateway) session(mac string) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byMAC[mac]
}

func (g *Gateway) allSessions() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// Connected reports whether an identified session exists for mac.
func (g *Gateway) Connected(mac string) bool {
	return g.session(mac) != nil
}

// ConnectedDevices returns the addresses of all identified sessions.
func (g *Gateway) ConnectedDevices() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byMAC))
	for mac := range g.byMAC {
		out = append(out, mac)
	}
	return out
}

// Send writes m to the device's live session.
func (g *Gateway) Send(ctx context.Context, mac string, m protocol.Message) error {
	s := g.session(mac)
	if s == nil {
		return fmt.Errorf("%s: %w", mac, ErrNotConnected)
	}
	return s.send(ctx, m)
}

// PushConfig sends the device's current switch configuration as a
// config_update so the firmware can remap pins without reconnecting.
func (g *Gateway) PushConfig(ctx context.Context, mac string) error {
	dev, err := g.store.GetDevice(mac)
	if err != nil {
		return err
	}
	return g.Send(ctx, mac, &protocol.ConfigUpdate{
		Switches:   SwitchConfigs(dev),
		MotionGPIO: motionGPIO(dev),
	})
}

// SwitchConfigs converts a device's switches to their wire form.
func SwitchConfigs(dev *store.Device) []protocol.SwitchConfig {
	out := make([]protocol.SwitchConfig, 0, len(dev.Switches))
	for _, sw := range dev.Switches {
		c := protocol.SwitchConfig{GPIO: sw.GPIO, Name: sw.Name, Type: sw.Type, State: sw.State}
		if sw.Manual != nil {
			c.Manual = &protocol.ManualConfig{GPIO: sw.Manual.GPIO, Mode: sw.Manual.Mode, ActiveLow: sw.Manual.ActiveLow}
		}
		out = append(out, c)
	}
	return out
}

func motionGPIO(dev *store.Device) *int {
	if dev.Motion == nil || !dev.Motion.Enabled {
		return nil
	}
	pin := dev.Motion.GPIO
	return &pin
}

// Run drives the liveness probe and the offline sweep until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	probe := time.NewTicker(g.cfg.PingInterval)
	defer probe.Stop()
	sweep := time.NewTicker(g.cfg.OfflineSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, s := range g.allSessions() {
				s.Close("server shutdown")
			}
			return
		case <-probe.C:
			g.probe(ctx)
		case <-sweep.C:
			g.sweep()
		}
	}
}

// probe closes sessions that missed the previous probe and pings the rest.
func (g *Gateway) probe(ctx context.Context) {
	for _, s := range g.allSessions() {
		if !s.beginProbe() {
			g.logger.Info("liveness probe missed, closing", "mac", s.MAC(), "ip", s.ip)
			go s.Close("liveness probe missed")
			continue
		}
		go func(s *Session) {
			pctx, cancel := context.WithTimeout(ctx, g.cfg.PingInterval)
			defer cancel()
			if err := s.conn.Ping(pctx); err == nil {
				s.markAlive()
			}
		}(s)
	}
}

// sweep marks devices offline whose last contact is older than StaleAfter.
func (g *Gateway) sweep() {
	devices, err := g.store.ListDevices()
	if err != nil {
		g.logger.Error("offline sweep: list devices", "err", err)
		return
	}
	now := g.clock.Now()
	for _, d := range devices {
		if !d.Online() || now.Sub(d.LastSeen) <= g.cfg.StaleAfter {
			continue
		}
		g.sweepDevice(d.MAC, now)
	}
}

func (g *Gateway) sweepDevice(mac string, now time.Time) {
	unlock := g.lockDevice(mac)
	defer unlock()

	var lastSeen time.Time
	stale := false
	dev, err := g.store.UpdateDevice(mac, func(d *store.Device) error {
		if d.Online() && now.Sub(d.LastSeen) > g.cfg.StaleAfter {
			d.Status = store.StatusOffline
			lastSeen = d.LastSeen
			stale = true
		}
		return nil
	})
	if err != nil {
		g.logger.Error("offline sweep: update device", "mac", mac, "err", err)
		return
	}
	if !stale {
		return
	}
	g.logger.Warn("device went stale", "mac", mac, "last_seen", lastSeen)

	if s := g.session(mac); s != nil && g.unbind(mac, s) {
		go s.Close("stale")
	}
	g.bus.Emit(events.Event{Type: events.DeviceDisconnected, Data: events.Connection{DeviceID: mac, Reason: "stale"}})
	events.PublishState(g.bus, dev, events.SourceGateway, now)
	alert := &store.SecurityAlert{
		Type:     store.AlertDeviceOffline,
		Severity: store.SeverityLow,
		Message:  fmt.Sprintf("%s has not reported since %s", displayName(dev), lastSeen.Format(time.RFC3339)),
		Metadata: map[string]string{"device": mac},
	}
	if err := events.RaiseAlert(g.bus, g.store, alert); err != nil {
		g.logger.Error("persist offline alert", "mac", mac, "err", err)
	}
	g.getHooks().DeviceDisconnected(mac)
}

// markOffline runs when a bound session ends. Called under lockDevice.
func (g *Gateway) markOffline(mac, reason string) {
	now := g.clock.Now()
	dev, err := g.store.UpdateDevice(mac, func(d *store.Device) error {
		d.Status = store.StatusOffline
		return nil
	})
	if err != nil {
		g.logger.Error("mark offline", "mac", mac, "err", err)
	}
	g.bus.Emit(events.Event{Type: events.DeviceDisconnected, Data: events.Connection{DeviceID: mac, Reason: reason}})
	if dev != nil {
		events.PublishState(g.bus, dev, events.SourceGateway, now)
	}
	g.getHooks().DeviceDisconnected(mac)
}

func displayName(d *store.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.MAC
}
