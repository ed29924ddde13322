package gateway

import (
	"context"
	"crypto/subtle"
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

// Conn is one device transport connection.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// State is the lifecycle state of a session.
type State int

const (
	Unauthenticated State = iota
	Active
	Degraded // missed the last liveness probe
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the gateway side of one device connection. Handle calls are
// serialized by mu, so one device's messages are processed in order.
type Session struct {
	gw     *Gateway
	conn   Conn
	ip     string
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	mac    string
	secret string

	lastStateSeq  int64
	lastResultSeq int64
	awaitingPong  bool

	windowStart time.Time
	windowCount int
	pending     *protocol.StateUpdate
	flushTimer  clock.Timer

	closeOnce sync.Once
}

func newSession(g *Gateway, conn Conn, ip string) *Session {
	return &Session{
		gw:            g,
		conn:          conn,
		ip:            ip,
		logger:        g.logger.With("ip", ip),
		lastStateSeq:  -1,
		lastResultSeq: -1,
	}
}

// MAC returns the identified device address, or "" before identify.
func (s *Session) MAC() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mac
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginProbe starts a probe round. It reports false when the session has
// not answered the previous one, in any state. An active session moves to
// Degraded until it answers.
func (s *Session) beginProbe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.awaitingPong {
		return false
	}
	s.awaitingPong = true
	if s.state == Active {
		s.state = Degraded
	}
	return true
}

func (s *Session) markAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markAliveLocked()
}

func (s *Session) markAliveLocked() {
	s.awaitingPong = false
	if s.state == Degraded {
		s.state = Active
	}
}

func (s *Session) send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.gw.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", m.Type(), err)
	}
	return nil
}

func (s *Session) sendError(ctx context.Context, code, msg string) {
	if err := s.send(ctx, &protocol.Error{Code: code, Message: msg}); err != nil {
		s.logger.Debug("send error reply", "code", code, "err", err)
	}
}

// Close ends the session. If it was still bound to its device, the device
// is marked offline. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		if s.flushTimer != nil {
			s.flushTimer.Stop()
			s.flushTimer = nil
		}
		s.pending = nil
		mac := s.mac
		s.mu.Unlock()

		s.conn.Close(reason)
		if mac == "" {
			s.gw.unbind("", s)
			return
		}
		unlock := s.gw.lockDevice(mac)
		defer unlock()
		if s.gw.unbind(mac, s) {
			s.logger.Info("device disconnected", "reason", reason)
			s.gw.markOffline(mac, reason)
		}
	})
}

// Handle processes one inbound frame. Faults are contained to this session.
func (s *Session) Handle(ctx context.Context, data []byte) {
	if reason := s.handle(ctx, data); reason != "" {
		s.Close(reason)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) (closeReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panic", "panic", r)
		}
	}()

	if s.state == Closed {
		return ""
	}
	s.markAliveLocked()

	msg, err := protocol.Parse(data)
	if err != nil {
		s.logger.Warn("rejecting message", "err", err)
		s.sendError(ctx, protocol.CodeInvalidMessage, err.Error())
		return ""
	}

	if s.state == Unauthenticated {
		id, ok := msg.(*protocol.Identify)
		if !ok {
			s.logger.Debug("dropping message before identify", "type", msg.Type())
			return ""
		}
		return s.identify(ctx, id)
	}

	switch m := msg.(type) {
	case *protocol.Identify:
		return s.identify(ctx, m)
	case *protocol.Heartbeat:
		s.touch()
	case *protocol.StateUpdate:
		s.onStateUpdate(ctx, m)
	case *protocol.SwitchResult:
		s.onSwitchResult(ctx, m)
	case *protocol.Motion:
		s.onMotion(m)
	default:
		s.logger.Debug("ignoring message", "type", msg.Type())
	}
	return ""
}

func (s *Session) identify(ctx context.Context, id *protocol.Identify) string {
	g := s.gw
	mac, err := store.NormalizeMAC(id.MAC)
	if err != nil {
		s.sendError(ctx, protocol.CodeInvalidMessage, err.Error())
		return "invalid mac"
	}
	if s.mac != "" && s.mac != mac {
		s.sendError(ctx, protocol.CodeInvalidMessage, "session already identified as "+s.mac)
		return "identity change"
	}

	log := g.logger.With("ip", s.ip, "mac", mac)
	dev, err := g.store.GetDevice(mac)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("unregistered device")
		s.sendError(ctx, protocol.CodeDeviceNotRegistered, "device "+mac+" is not registered")
		return "device not registered"
	}
	if err != nil {
		log.Error("identify: load device", "err", err)
		s.sendError(ctx, protocol.CodeRegistryUnavailable, "registry unavailable")
		return "registry unavailable"
	}

	mode := protocol.ModeSecure
	if dev.Secret == "" {
		mode = protocol.ModeInsecure
	} else if subtle.ConstantTimeCompare([]byte(dev.Secret), []byte(id.Secret)) != 1 {
		if !g.cfg.AllowInsecureIdentify {
			log.Warn("identify rejected: bad secret")
			s.sendError(ctx, protocol.CodeInvalidSecret, "invalid or missing secret")
			return "invalid secret"
		}
		log.Warn("accepting identify without valid secret")
		mode = protocol.ModeInsecure
	}

	unlock := g.lockDevice(mac)
	now := g.clock.Now()
	updated, err := g.store.UpdateDevice(mac, func(d *store.Device) error {
		d.Status = store.StatusOnline
		d.LastSeen = now
		d.IPAddress = s.ip
		return nil
	})
	if err != nil {
		// Limited mode: keep serving the connection from the loaded record.
		log.Error("identify: persist online status", "err", err)
		dev.Status = store.StatusOnline
		dev.LastSeen = now
		updated = dev
	}

	s.mac = mac
	s.secret = dev.Secret
	s.state = Active
	s.lastStateSeq = -1
	s.lastResultSeq = -1
	s.windowStart = time.Time{}
	s.windowCount = 0
	s.pending = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.logger = log

	prev := g.bind(mac, s)
	unlock()
	if prev != nil {
		s.logger.Info("replacing previous session")
		go prev.Close("replaced by new session")
	}

	if err := s.send(ctx, &protocol.Identified{
		MAC:        mac,
		Mode:       mode,
		Switches:   SwitchConfigs(updated),
		MotionGPIO: motionGPIO(updated),
	}); err != nil {
		s.logger.Warn("send identified", "err", err)
	}
	s.logger.Info("device identified", "mode", mode)

	g.bus.Emit(events.Event{Type: events.DeviceConnected, Data: events.Connection{DeviceID: mac, IP: s.ip}})
	events.PublishState(g.bus, updated, events.SourceGateway, now)
	g.getHooks().DeviceIdentified(mac)
	return ""
}

func (s *Session) touch() {
	now := s.gw.clock.Now()
	if _, err := s.gw.store.UpdateDevice(s.mac, func(d *store.Device) error {
		d.LastSeen = now
		if d.Status != store.StatusOnline {
			d.Status = store.StatusOnline
		}
		return nil
	}); err != nil {
		s.logger.Debug("heartbeat: update last seen", "err", err)
	}
}

func (s *Session) onMotion(m *protocol.Motion) {
	if !m.Triggered {
		return
	}
	now := s.gw.clock.Now()
	_, err := s.gw.store.UpdateDevice(s.mac, func(d *store.Device) error {
		d.LastSeen = now
		if d.Motion != nil {
			d.Motion.LastMotionAt = now
		}
		return nil
	})
	if err != nil {
		s.logger.Error("record motion", "err", err)
		return
	}
	s.gw.bus.Emit(events.Event{Type: events.MotionDetected, Data: events.Motion{DeviceID: s.mac, At: now}})
}

// verified checks an optional signature. Unsigned messages pass unless
// signatures are required; a present signature must always verify.
func (s *Session) verified(sig, payload string) bool {
	if sig == "" || s.secret == "" {
		return !s.gw.cfg.RequireSignatures
	}
	return protocol.Verify(s.secret, payload, sig) == nil
}
