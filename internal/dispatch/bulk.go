package dispatch

import (
	"context"
	"strings"

	"relay-sync/internal/store"
)

// ToggleAll drives every switch on every online device to state.
func (d *Dispatcher) ToggleAll(ctx context.Context, state bool) (int, error) {
	return d.bulk(ctx, state, func(*store.Device, *store.Switch) bool { return true })
}

// ToggleByType drives every switch of a category (lighting, climate,
// other) or of an exact switch type on online devices.
func (d *Dispatcher) ToggleByType(ctx context.Context, typ string, state bool) (int, error) {
	return d.bulk(ctx, state, func(_ *store.Device, sw *store.Switch) bool {
		return sw.Type == typ || sw.Category() == typ
	})
}

// ToggleByLocation drives every switch on online devices at location.
func (d *Dispatcher) ToggleByLocation(ctx context.Context, location string, state bool) (int, error) {
	return d.bulk(ctx, state, func(dev *store.Device, _ *store.Switch) bool {
		return strings.EqualFold(dev.Location, location) || strings.EqualFold(dev.Classroom, location)
	})
}

// bulk sends commands for matching switches whose recorded state differs
// from state and returns how many commands were sent.
func (d *Dispatcher) bulk(ctx context.Context, state bool, match func(*store.Device, *store.Switch) bool) (int, error) {
	devices, err := d.store.ListDevices()
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, dev := range devices {
		if !dev.Online() || !d.sender.Connected(dev.MAC) {
			continue
		}
		for i := range dev.Switches {
			sw := &dev.Switches[i]
			if sw.State == state || !match(dev, sw) {
				continue
			}
			res, err := d.toggle(ctx, dev, sw, state)
			if err != nil {
				d.logger.Warn("bulk toggle", "mac", dev.MAC, "switch", sw.ID, "err", err)
				continue
			}
			if res.Status == StatusSent {
				changed++
			}
		}
	}
	d.logger.Info("bulk toggle", "state", state, "changed", changed)
	return changed, nil
}
