package gateway

import (
	"context"

	"relay-sync/internal/events"
	"relay-sync/internal/protocol"
	"relay-sync/internal/store"
)

// onStateUpdate orders, authenticates and rate-limits a state report.
// Called with s.mu held.
func (s *Session) onStateUpdate(ctx context.Context, m *protocol.StateUpdate) {
	if !s.verified(m.Sig, protocol.StatePayload(s.mac, m.Seq, m.TS)) {
		s.logger.Warn("dropping state update with bad signature", "seq", m.Seq)
		return
	}
	if m.Seq < s.lastStateSeq {
		s.logger.Debug("dropping stale state update", "seq", m.Seq, "last", s.lastStateSeq)
		return
	}
	if m.Seq == s.lastStateSeq {
		s.logger.Debug("duplicate state update", "seq", m.Seq)
		return
	}

	cfg := s.gw.cfg
	now := s.gw.clock.Now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= cfg.StateWindow {
		s.windowStart = now
		s.windowCount = 0
	}
	if s.windowCount >= cfg.StateBurst {
		if s.pending == nil || m.Seq > s.pending.Seq {
			s.pending = m
		}
		if s.flushTimer == nil {
			wait := s.windowStart.Add(cfg.StateWindow).Sub(now)
			s.flushTimer = s.gw.clock.AfterFunc(wait, func() { s.flushPending(ctx) })
		}
		s.logger.Debug("state update deferred by rate window", "seq", m.Seq)
		return
	}
	s.windowCount++
	s.applyState(ctx, m)
}

// flushPending applies the newest deferred update when the window rolls over.
func (s *Session) flushPending(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTimer = nil
	if s.state == Closed || s.pending == nil {
		return
	}
	m := s.pending
	s.pending = nil
	if m.Seq <= s.lastStateSeq {
		return
	}
	s.windowStart = s.gw.clock.Now()
	s.windowCount = 1
	s.applyState(ctx, m)
}

func (s *Session) applyState(ctx context.Context, m *protocol.StateUpdate) {
	s.lastStateSeq = m.Seq
	now := s.gw.clock.Now()

	var changed []store.Switch
	dev, err := s.gw.store.UpdateDevice(s.mac, func(d *store.Device) error {
		changed = changed[:0]
		d.LastSeen = now
		d.Status = store.StatusOnline
		for _, p := range m.Switches {
			sw := d.SwitchByGPIO(p.GPIO)
			if sw == nil || sw.State == p.State {
				continue
			}
			sw.State = p.State
			sw.LastStateChange = now
			changed = append(changed, *sw)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("apply state update", "seq", m.Seq, "err", err)
		return
	}

	if err := s.send(ctx, &protocol.StateAck{TS: m.TS, Changed: len(changed) > 0}); err != nil {
		s.logger.Debug("send state ack", "err", err)
	}
	if len(changed) == 0 {
		return
	}
	for _, sw := range changed {
		s.gw.recordActivity(dev.MAC, sw, store.SourceDevice)
	}
	events.PublishState(s.gw.bus, dev, events.SourceDevice, now)
}

// onSwitchResult reconciles the registry with a command outcome.
// Called with s.mu held.
func (s *Session) onSwitchResult(ctx context.Context, m *protocol.SwitchResult) {
	if !s.verified(m.Sig, protocol.ResultPayload(s.mac, m)) {
		s.logger.Warn("dropping switch result with bad signature", "seq", m.Seq)
		return
	}
	if m.Seq < s.lastResultSeq {
		s.logger.Debug("dropping stale switch result", "seq", m.Seq, "last", s.lastResultSeq)
		return
	}
	if m.Seq == s.lastResultSeq {
		s.logger.Debug("duplicate switch result", "seq", m.Seq)
		return
	}
	s.lastResultSeq = m.Seq

	g := s.gw
	now := g.clock.Now()
	toggle := events.Toggle{
		DeviceID:  s.mac,
		GPIO:      m.GPIO,
		Requested: m.RequestedState,
		Actual:    m.ActualState,
		Success:   m.Success,
		Reason:    m.Reason,
		Seq:       m.Seq,
	}

	switch {
	case !m.Success && m.Reason == protocol.ReasonStaleSeq:
		// Nothing changed on the device; resync observers with what we hold.
		dev, err := g.store.GetDevice(s.mac)
		if err != nil {
			s.logger.Error("load device after stale result", "err", err)
			break
		}
		toggle.SwitchID = switchID(dev, m.GPIO)
		events.PublishState(g.bus, dev, events.SourceReconcile, now)

	case !m.Success:
		s.logger.Info("device refused toggle", "gpio", m.GPIO, "reason", m.Reason)
		dev := s.reconcile(m.GPIO, m.ActualState, events.SourceReconcile)
		if dev != nil {
			toggle.SwitchID = switchID(dev, m.GPIO)
		}
		g.bus.Emit(events.Event{Type: events.DeviceToggleBlocked, Data: toggle})

	default:
		actual := m.ActualState
		if actual == nil {
			actual = &m.RequestedState
		}
		if *actual != m.RequestedState {
			s.logger.Info("device reported different state than requested", "gpio", m.GPIO, "requested", m.RequestedState, "actual", *actual)
		}
		if dev := s.reconcile(m.GPIO, actual, events.SourceDevice); dev != nil {
			toggle.SwitchID = switchID(dev, m.GPIO)
		}
	}

	g.bus.Emit(events.Event{Type: events.SwitchResult, Data: toggle})
	g.getHooks().CommandResult(s.mac, m.GPIO, m.Seq, m.Success)
}

// reconcile sets the switch on gpio to actual when it differs and emits a
// state event for any change. It returns the current device record.
func (s *Session) reconcile(gpio int, actual *bool, source string) *store.Device {
	g := s.gw
	now := g.clock.Now()
	var changed *store.Switch
	dev, err := g.store.UpdateDevice(s.mac, func(d *store.Device) error {
		changed = nil
		d.LastSeen = now
		sw := d.SwitchByGPIO(gpio)
		if sw == nil || actual == nil || sw.State == *actual {
			return nil
		}
		sw.State = *actual
		sw.LastStateChange = now
		c := *sw
		changed = &c
		return nil
	})
	if err != nil {
		s.logger.Error("reconcile switch", "gpio", gpio, "err", err)
		return nil
	}
	if changed != nil {
		g.recordActivity(dev.MAC, *changed, store.SourceDevice)
		events.PublishState(g.bus, dev, source, now)
	}
	return dev
}

func (g *Gateway) recordActivity(mac string, sw store.Switch, source string) {
	action := store.ActionOff
	if sw.State {
		action = store.ActionOn
	}
	a := &store.Activity{Device: mac, Switch: sw.ID, Action: action, Source: source, At: g.clock.Now()}
	if err := g.store.AppendActivity(a); err != nil {
		g.logger.Debug("append activity", "mac", mac, "err", err)
		return
	}
	g.bus.Emit(events.Event{Type: events.Activity, Data: a})
}

func switchID(dev *store.Device, gpio int) string {
	if sw := dev.SwitchByGPIO(gpio); sw != nil {
		return sw.ID
	}
	return ""
}
