//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"relay-sync/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/relay_aabbccddee01/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	StateTemplate     string   `json:"state_value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	return dev.MAC
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "relay_" + macTopic(dev.MAC)
}

// macTopic is the topic segment for a device: the MAC in lower case
// without separators.
func macTopic(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, ":", ""))
}

func switchIcon(sw *store.Switch) string {
	switch sw.Type {
	case store.TypeLight:
		return "mdi:lightbulb"
	case store.TypeFan:
		return "mdi:fan"
	case store.TypeAC:
		return "mdi:air-conditioner"
	case store.TypeProjector:
		return "mdi:projector"
	case store.TypeOutlet:
		return "mdi:power-socket"
	}
	return ""
}

// buildDiscovery generates HA discovery messages for a device: one switch
// (or light) per relay, plus an occupancy sensor when a PIR is fitted.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	base := prefix + "/" + macTopic(dev.MAC)
	avail := base + "/availability"
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:   []string{nodeID},
		Manufacturer:  "relay-sync",
		Model:         "relay controller",
		Name:          displayName,
		SuggestedArea: dev.Location,
	}

	var msgs []discoveryMsg
	for i := range dev.Switches {
		sw := &dev.Switches[i]
		comp := "switch"
		if sw.Type == store.TypeLight {
			comp = "light"
		}
		name := sw.Name
		if name == "" {
			name = sw.ID
		}
		payload := haDiscovery{
			Name:              displayName + " " + name,
			UniqueID:          nodeID + "_" + sw.ID,
			StateTopic:        base + "/" + sw.ID,
			CommandTopic:      base + "/" + sw.ID + "/set",
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.state }}",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Icon:              switchIcon(sw),
			Device:            haDev,
		}
		if comp == "light" {
			// Lights read state_value_template instead of value_template.
			payload.StateTemplate, payload.ValueTemplate = payload.ValueTemplate, ""
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, sw.ID),
			Payload: mustJSON(payload),
		})
	}

	if dev.Motion != nil && dev.Motion.Enabled {
		payload := haDiscovery{
			Name:              displayName + " Motion",
			UniqueID:          nodeID + "_motion",
			StateTopic:        base + "/motion",
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ 'ON' if value_json.motion else 'OFF' }}",
			DeviceClass:       "occupancy",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/binary_sensor/%s/motion/config", nodeID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)
	var msgs []discoveryMsg
	for _, sw := range dev.Switches {
		for _, comp := range []string{"switch", "light"} {
			msgs = append(msgs, discoveryMsg{
				Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, sw.ID),
			})
		}
	}
	msgs = append(msgs, discoveryMsg{Topic: fmt.Sprintf("homeassistant/binary_sensor/%s/motion/config", nodeID)})
	return msgs
}
